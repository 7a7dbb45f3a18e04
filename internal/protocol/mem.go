package protocol

import (
	"encoding/binary"
	"fmt"
)

// CXL.mem message layout, after the envelope:
//
//	mem header (2B): [channel][rsvd]
//	m2s header (12B): [opcode][rsvd x3][device address: u64 BE, in cache lines]
//	s2m header (4B):  [opcode][meta][rsvd x2]
//
// Requests travel on M2SReq (reads) and M2SRwD (writes, carrying a full cache
// line). Responses come back on S2MNDR (write acknowledgements) and S2MDRS
// (read data). Addresses are cache-line granular: the wire carries hpa>>6.

// MemRequest is a decoded master-to-subordinate message.
type MemRequest struct {
	Channel MemChannel
	Opcode  MemOpcode
	Addr    uint64 // cache-line aligned host physical address
	Data    []byte // MemAccessUnit bytes for writes, nil for reads
}

// MemResponse is a decoded subordinate-to-master message.
type MemResponse struct {
	Channel MemChannel
	Opcode  MemOpcode
	Meta    uint8
	Data    []byte // MemAccessUnit bytes on the DRS channel, nil on NDR
}

// EncodeMemRead builds an M2S read request. hpa must be cache-line aligned.
func EncodeMemRead(hpa uint64) ([]byte, error) {
	if err := checkLineAligned(hpa); err != nil {
		return nil, err
	}
	b := make([]byte, SizeMemRead)
	putEnvelope(b, PayloadMem, SizeMemRead)
	putMemHeader(b, M2SReq)
	putM2SHeader(b[6:], MemRd, hpa)
	return b, nil
}

// EncodeMemWrite builds an M2S write carrying one full cache line.
func EncodeMemWrite(hpa uint64, line []byte) ([]byte, error) {
	if err := checkLineAligned(hpa); err != nil {
		return nil, err
	}
	if len(line) != MemAccessUnit {
		return nil, fmt.Errorf("%w: mem write carries exactly %d bytes, got %d",
			ErrEncodingConstraint, MemAccessUnit, len(line))
	}
	b := make([]byte, SizeMemWrite)
	putEnvelope(b, PayloadMem, SizeMemWrite)
	putMemHeader(b, M2SRwD)
	putM2SHeader(b[6:], MemWr, hpa)
	copy(b[18:], line)
	return b, nil
}

// EncodeMemCompletion builds an S2M no-data response acknowledging a write.
func EncodeMemCompletion() []byte {
	b := make([]byte, SizeMemCompletion)
	putEnvelope(b, PayloadMem, SizeMemCompletion)
	putMemHeader(b, S2MNDR)
	putS2MHeader(b[6:], MemWr, 0)
	return b
}

// EncodeMemData builds an S2M data response carrying one full cache line.
func EncodeMemData(line []byte) ([]byte, error) {
	if len(line) != MemAccessUnit {
		return nil, fmt.Errorf("%w: mem data carries exactly %d bytes, got %d",
			ErrEncodingConstraint, MemAccessUnit, len(line))
	}
	b := make([]byte, SizeMemData)
	putEnvelope(b, PayloadMem, SizeMemData)
	putMemHeader(b, S2MDRS)
	putS2MHeader(b[6:], MemRd, 0)
	copy(b[10:], line)
	return b, nil
}

func checkLineAligned(hpa uint64) error {
	if hpa%MemAccessUnit != 0 {
		return fmt.Errorf("%w: address %#x not %d-byte aligned",
			ErrEncodingConstraint, hpa, MemAccessUnit)
	}
	return nil
}

func putMemHeader(b []byte, ch MemChannel) {
	b[4] = byte(ch)
	b[5] = 0
}

func putM2SHeader(b []byte, op MemOpcode, hpa uint64) {
	b[0] = byte(op)
	b[1], b[2], b[3] = 0, 0, 0
	binary.BigEndian.PutUint64(b[4:12], hpa/MemAccessUnit)
}

func putS2MHeader(b []byte, op MemOpcode, meta uint8) {
	b[0] = byte(op)
	b[1] = meta
	b[2], b[3] = 0, 0
}

// DecodeMemRequest parses an M2S message.
func DecodeMemRequest(b []byte) (*MemRequest, error) {
	if len(b) < SizeMemRead {
		return nil, fmt.Errorf("%w: mem request needs %d bytes, have %d",
			ErrLengthMismatch, SizeMemRead, len(b))
	}
	ch := MemChannel(b[4])
	want := SizeMemRead
	switch ch {
	case M2SReq:
	case M2SRwD:
		want = SizeMemWrite
	default:
		return nil, fmt.Errorf("%w: %#02x is not an m2s channel", ErrUnknownChannel, byte(ch))
	}
	if err := checkShape(b, want, PayloadMem); err != nil {
		return nil, err
	}
	r := &MemRequest{
		Channel: ch,
		Opcode:  MemOpcode(b[6]),
		Addr:    binary.BigEndian.Uint64(b[10:18]) * MemAccessUnit,
	}
	if ch == M2SRwD {
		r.Data = make([]byte, MemAccessUnit)
		copy(r.Data, b[18:])
	}
	return r, nil
}

// DecodeMemResponse parses an S2M message.
func DecodeMemResponse(b []byte) (*MemResponse, error) {
	if len(b) < SizeMemCompletion {
		return nil, fmt.Errorf("%w: mem response needs %d bytes, have %d",
			ErrLengthMismatch, SizeMemCompletion, len(b))
	}
	ch := MemChannel(b[4])
	want := SizeMemCompletion
	switch ch {
	case S2MNDR:
	case S2MDRS:
		want = SizeMemData
	default:
		return nil, fmt.Errorf("%w: %#02x is not an s2m channel", ErrUnknownChannel, byte(ch))
	}
	if err := checkShape(b, want, PayloadMem); err != nil {
		return nil, err
	}
	r := &MemResponse{
		Channel: ch,
		Opcode:  MemOpcode(b[6]),
		Meta:    b[7],
	}
	if ch == S2MDRS {
		r.Data = make([]byte, MemAccessUnit)
		copy(r.Data, b[10:])
	}
	return r, nil
}
