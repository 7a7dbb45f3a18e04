package protocol

import (
	"encoding/binary"
	"fmt"
)

// Sideband messages manage the link itself rather than carrying device
// traffic. All of them share a 2-byte header after the envelope:
//
//	[type][rsvd]
//
// A connection request appends the requested downstream port as a u32.

// Sideband is a decoded sideband message.
type Sideband struct {
	Type SidebandType
	Port uint32 // ConnectionRequest only
}

// EncodeSideband builds a bare sideband message (accept/reject/disconnect).
func EncodeSideband(t SidebandType) []byte {
	b := make([]byte, SizeSidebandBase)
	putEnvelope(b, PayloadSideband, SizeSidebandBase)
	b[4] = byte(t)
	b[5] = 0
	return b
}

// EncodeConnectionRequest builds a sideband connection request for the given
// downstream port.
func EncodeConnectionRequest(port uint32) []byte {
	b := make([]byte, SizeSidebandConn)
	putEnvelope(b, PayloadSideband, SizeSidebandConn)
	b[4] = byte(SidebandConnectionRequest)
	b[5] = 0
	binary.LittleEndian.PutUint32(b[6:10], port)
	return b
}

// DecodeSideband parses a sideband message of either shape.
func DecodeSideband(b []byte) (*Sideband, error) {
	if len(b) < SizeSidebandBase {
		return nil, fmt.Errorf("%w: sideband needs %d bytes, have %d",
			ErrLengthMismatch, SizeSidebandBase, len(b))
	}
	t := SidebandType(b[4])
	want := SizeSidebandBase
	if t == SidebandConnectionRequest {
		want = SizeSidebandConn
	}
	if err := checkShape(b, want, PayloadSideband); err != nil {
		return nil, err
	}
	s := &Sideband{Type: t}
	if t == SidebandConnectionRequest {
		s.Port = binary.LittleEndian.Uint32(b[6:10])
	}
	return s, nil
}
