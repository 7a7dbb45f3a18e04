package protocol

import (
	"encoding/binary"
	"fmt"
)

// Envelope: [2B payload_type LE][2B payload_length LE]
//
// payload_length counts the whole message, envelope included, and is always
// known before the body is read. Envelope fields travel little-endian; the
// original peer transmitted them in host packing and every deployed peer is
// little-endian, so the rewrite pins the order.

// Envelope is the fixed header carried by every message.
type Envelope struct {
	Type   PayloadType
	Length uint16
}

// DecodeEnvelope parses the leading fixed header.
func DecodeEnvelope(b []byte) (Envelope, error) {
	if len(b) < EnvelopeSize {
		return Envelope{}, fmt.Errorf("%w: envelope needs %d bytes, have %d",
			ErrLengthMismatch, EnvelopeSize, len(b))
	}
	e := Envelope{
		Type:   PayloadType(binary.LittleEndian.Uint16(b[0:2])),
		Length: binary.LittleEndian.Uint16(b[2:4]),
	}
	if e.Length < EnvelopeSize {
		return Envelope{}, fmt.Errorf("%w: declared length %d below envelope size",
			ErrLengthMismatch, e.Length)
	}
	if e.Length > MaxMessageSize {
		return Envelope{}, fmt.Errorf("%w: declared length %d exceeds %d",
			ErrMessageTooLarge, e.Length, MaxMessageSize)
	}
	return e, nil
}

// putEnvelope writes the envelope into the first EnvelopeSize bytes of b.
// total is the full message length, envelope included.
func putEnvelope(b []byte, t PayloadType, total int) {
	binary.LittleEndian.PutUint16(b[0:2], uint16(t))
	binary.LittleEndian.PutUint16(b[2:4], uint16(total))
}

// checkShape verifies a received buffer against its declared envelope and an
// expected total size.
func checkShape(b []byte, want int, t PayloadType) error {
	if len(b) != want {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrLengthMismatch, len(b), want)
	}
	env, err := DecodeEnvelope(b)
	if err != nil {
		return err
	}
	if env.Type != t {
		return fmt.Errorf("%w: payload type %d, want %d", ErrLengthMismatch, env.Type, t)
	}
	if int(env.Length) != want {
		return fmt.Errorf("%w: declared length %d, want %d", ErrLengthMismatch, env.Length, want)
	}
	return nil
}
