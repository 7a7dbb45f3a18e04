package protocol

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// CXL.io message layout, after the envelope:
//
//	io header (4B):  [fmt_type][rsvd][len_upper: bits 1:0][len_lower]
//	mem request:     io header + request header (12B) [+ 4B/8B data for writes]
//	config request:  io header + config request header (12B) [+ 4B data for writes]
//	completion:      io header + completion header (8B) [+ 4B/8B data]
//
// The DWORD count is split non-contiguously across the two length sub-fields
// (bits 9:8 in len_upper, bits 7:0 in len_lower), mirroring the peer's wire
// convention. Requester/completer/destination ids travel big-endian; data
// fields travel little-endian.

// IOMemRequest is a decoded MRd/MWr message.
type IOMemRequest struct {
	Fmt   IOFmtType
	ReqID uint16
	Tag   uint8
	Addr  uint64 // DWORD aligned
	Size  int    // access width in bytes: 4 or 8
	Data  uint64 // writes only
}

// IOCompletion is a decoded Cpl/CplD32/CplD64 message.
type IOCompletion struct {
	Fmt         IOFmtType
	CompleterID uint16
	Status      uint8
	ReqID       uint16
	Tag         uint8
	LowerAddr   uint8
	Size        int    // data width: 0, 4 or 8
	Data        uint64 // CplD32/CplD64 only
}

// ConfigRequest is a decoded CfgRd0/CfgRd1/CfgWr0/CfgWr1 message.
type ConfigRequest struct {
	Fmt       IOFmtType
	ReqID     uint16
	Tag       uint8
	FirstDWBE uint8
	DestID    uint16
	ExtRegNum uint8 // config offset bits 11:8
	RegNum    uint8 // config offset bits 7:2
	Data      uint32
}

// Offset reconstructs the byte offset within config space.
func (r *ConfigRequest) Offset() uint16 {
	off := uint16(r.ExtRegNum)<<8 | uint16(r.RegNum)<<2
	if r.FirstDWBE != 0 {
		off |= uint16(bits.TrailingZeros8(r.FirstDWBE))
	}
	return off
}

// Size returns the access width implied by the byte-enable mask.
func (r *ConfigRequest) Size() int {
	return bits.OnesCount8(r.FirstDWBE)
}

// IsWrite reports whether the request carries data.
func (r *ConfigRequest) IsWrite() bool {
	return r.Fmt == CfgWr0 || r.Fmt == CfgWr1
}

// dwordCount rounds size up to DWORDs, the unit of the io length field.
func dwordCount(size int) uint16 {
	return uint16((size + 3) / 4)
}

// putIOHeader writes the 4-byte io header at b[4:8].
func putIOHeader(b []byte, ft IOFmtType, dwords uint16) {
	b[4] = byte(ft)
	b[5] = 0
	b[6] = byte(dwords>>8) & 0x3 // length bits 9:8
	b[7] = byte(dwords)          // length bits 7:0
}

// ioDWords reassembles the split DWORD count from the io header.
func ioDWords(b []byte) uint16 {
	return uint16(b[6]&0x3)<<8 | uint16(b[7])
}

// putIOAddr writes a DWORD-aligned address into the 8 address bytes of a
// request header: bits 63:8 big-endian across the first seven bytes, bits 7:2
// in the low six bits of the last.
func putIOAddr(b []byte, addr uint64) {
	b[0] = byte(addr >> 56)
	b[1] = byte(addr >> 48)
	b[2] = byte(addr >> 40)
	b[3] = byte(addr >> 32)
	b[4] = byte(addr >> 24)
	b[5] = byte(addr >> 16)
	b[6] = byte(addr >> 8)
	b[7] = byte(addr>>2) & 0x3F
}

func ioAddr(b []byte) uint64 {
	upper := uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 |
		uint64(b[3])<<32 | uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8
	return upper | uint64(b[7]&0x3F)<<2
}

// ByteEnables builds the first-DWORD byte-enable mask for a sub-DWORD access:
// one bit per covered byte starting at offset&3. The access must not cross a
// DWORD boundary.
func ByteEnables(offset uint16, size int) (uint8, error) {
	lane := int(offset & 0x3)
	if lane+size > 4 {
		return 0, fmt.Errorf("%w: access at offset %#x size %d crosses a DWORD boundary",
			ErrEncodingConstraint, offset, size)
	}
	var be uint8
	for i := 0; i < size; i++ {
		be |= 1 << (lane + i)
	}
	return be, nil
}

// EncodeIOMemRead builds an MRd32/MRd64 message. addr must be DWORD aligned
// and size must be 4 or 8.
func EncodeIOMemRead(addr uint64, size int, tag uint8) ([]byte, error) {
	if err := checkIOMemAccess(addr, size); err != nil {
		return nil, err
	}
	b := make([]byte, SizeIOMemRead)
	putEnvelope(b, PayloadIO, SizeIOMemRead)
	fmtType := MRd32
	if size == 8 {
		fmtType = MRd64
	}
	putIOHeader(b, fmtType, dwordCount(size))
	putMemReqHeader(b[8:], tag, addr)
	return b, nil
}

// EncodeIOMemWrite builds an MWr32/MWr64 message carrying val.
func EncodeIOMemWrite(addr uint64, val uint64, size int, tag uint8) ([]byte, error) {
	if err := checkIOMemAccess(addr, size); err != nil {
		return nil, err
	}
	if size == 4 && val > 0xFFFFFFFF {
		return nil, fmt.Errorf("%w: value %#x does not fit a 32-bit write",
			ErrEncodingConstraint, val)
	}
	total := SizeIOMemWrite32
	fmtType := MWr32
	if size == 8 {
		total = SizeIOMemWrite64
		fmtType = MWr64
	}
	b := make([]byte, total)
	putEnvelope(b, PayloadIO, total)
	putIOHeader(b, fmtType, dwordCount(size))
	putMemReqHeader(b[8:], tag, addr)
	if size == 8 {
		binary.LittleEndian.PutUint64(b[20:28], val)
	} else {
		binary.LittleEndian.PutUint32(b[20:24], uint32(val))
	}
	return b, nil
}

func checkIOMemAccess(addr uint64, size int) error {
	if size != 4 && size != 8 {
		return fmt.Errorf("%w: io memory access size must be 4 or 8, got %d",
			ErrEncodingConstraint, size)
	}
	if addr%4 != 0 {
		return fmt.Errorf("%w: io memory address %#x not DWORD aligned",
			ErrEncodingConstraint, addr)
	}
	return nil
}

// putMemReqHeader writes the 12-byte memory request header.
func putMemReqHeader(b []byte, tag uint8, addr uint64) {
	binary.BigEndian.PutUint16(b[0:2], 0) // req_id
	b[2] = tag
	b[3] = 0 // byte enables unused for full-DWORD accesses
	putIOAddr(b[4:12], addr)
}

// DecodeIOMemRequest parses an MRd/MWr message.
func DecodeIOMemRequest(b []byte) (*IOMemRequest, error) {
	if len(b) < SizeIOMemRead {
		return nil, fmt.Errorf("%w: io mem request needs %d bytes, have %d",
			ErrLengthMismatch, SizeIOMemRead, len(b))
	}
	fmtType := IOFmtType(b[4])
	want := SizeIOMemRead
	size := 4
	switch fmtType {
	case MRd32:
	case MRd64:
		size = 8
	case MWr32:
		want = SizeIOMemWrite32
	case MWr64:
		want, size = SizeIOMemWrite64, 8
	default:
		return nil, fmt.Errorf("%w: %#02x is not an io memory request", ErrUnknownFmtType, byte(fmtType))
	}
	if err := checkShape(b, want, PayloadIO); err != nil {
		return nil, err
	}
	r := &IOMemRequest{
		Fmt:   fmtType,
		ReqID: binary.BigEndian.Uint16(b[8:10]),
		Tag:   b[10],
		Addr:  ioAddr(b[12:20]),
		Size:  size,
	}
	switch fmtType {
	case MWr32:
		r.Data = uint64(binary.LittleEndian.Uint32(b[20:24]))
	case MWr64:
		r.Data = binary.LittleEndian.Uint64(b[20:28])
	}
	return r, nil
}

// EncodeConfigRead builds a CfgRd0/CfgRd1 message. offset is the byte offset
// into the target's config space; size is 1, 2 or 4 and must not cross a
// DWORD boundary.
func EncodeConfigRead(bdf uint16, offset uint16, size int, type0 bool, tag uint8) ([]byte, error) {
	b := make([]byte, SizeConfigRead)
	putEnvelope(b, PayloadIO, SizeConfigRead)
	fmtType := CfgRd1
	if type0 {
		fmtType = CfgRd0
	}
	putIOHeader(b, fmtType, 1)
	if err := putCfgReqHeader(b[8:], bdf, offset, size, tag); err != nil {
		return nil, err
	}
	return b, nil
}

// EncodeConfigWrite builds a CfgWr0/CfgWr1 message carrying val.
func EncodeConfigWrite(bdf uint16, offset uint16, val uint32, size int, type0 bool, tag uint8) ([]byte, error) {
	b := make([]byte, SizeConfigWrite)
	putEnvelope(b, PayloadIO, SizeConfigWrite)
	fmtType := CfgWr1
	if type0 {
		fmtType = CfgWr0
	}
	putIOHeader(b, fmtType, 1)
	if err := putCfgReqHeader(b[8:], bdf, offset, size, tag); err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint32(b[20:24], val)
	return b, nil
}

// putCfgReqHeader writes the 12-byte config request header. The config
// offset decomposes into ext_reg_num (bits 11:8), reg_num (bits 7:2) and the
// byte-enable lane (bits 1:0). Rejected before any byte is sent: offsets past
// config space, and accesses crossing a DWORD boundary.
func putCfgReqHeader(b []byte, bdf uint16, offset uint16, size int, tag uint8) error {
	if offset >= ConfigSpaceSize {
		return fmt.Errorf("%w: config offset %#x outside %d-byte config space",
			ErrEncodingConstraint, offset, ConfigSpaceSize)
	}
	be, err := ByteEnables(offset, size)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(b[0:2], 0) // req_id
	b[2] = tag
	b[3] = be
	b[4] = 0 // last_dw_be: single-DWORD requests only
	b[5] = 0
	binary.BigEndian.PutUint16(b[6:8], bdf)
	b[8] = byte(offset>>8) & 0xF
	b[9] = byte(offset>>2) & 0x3F
	b[10], b[11] = 0, 0
	return nil
}

// DecodeConfigRequest parses a CfgRd/CfgWr message.
func DecodeConfigRequest(b []byte) (*ConfigRequest, error) {
	if len(b) < SizeConfigRead {
		return nil, fmt.Errorf("%w: config request needs %d bytes, have %d",
			ErrLengthMismatch, SizeConfigRead, len(b))
	}
	fmtType := IOFmtType(b[4])
	want := SizeConfigRead
	switch fmtType {
	case CfgRd0, CfgRd1:
	case CfgWr0, CfgWr1:
		want = SizeConfigWrite
	default:
		return nil, fmt.Errorf("%w: %#02x is not a config request", ErrUnknownFmtType, byte(fmtType))
	}
	if err := checkShape(b, want, PayloadIO); err != nil {
		return nil, err
	}
	r := &ConfigRequest{
		Fmt:       fmtType,
		ReqID:     binary.BigEndian.Uint16(b[8:10]),
		Tag:       b[10],
		FirstDWBE: b[11],
		DestID:    binary.BigEndian.Uint16(b[14:16]),
		ExtRegNum: b[16] & 0xF,
		RegNum:    b[17] & 0x3F,
	}
	if r.IsWrite() {
		r.Data = binary.LittleEndian.Uint32(b[20:24])
	}
	return r, nil
}

// EncodeCompletion builds a completion-without-data message.
func EncodeCompletion(tag uint8) []byte {
	b := make([]byte, SizeCompletion)
	putEnvelope(b, PayloadIO, SizeCompletion)
	putIOHeader(b, Cpl, 0)
	putCplHeader(b[8:], tag)
	return b
}

// EncodeCompletionData32 builds a completion carrying 32-bit data.
func EncodeCompletionData32(tag uint8, val uint32) []byte {
	b := make([]byte, SizeCompletionD32)
	putEnvelope(b, PayloadIO, SizeCompletionD32)
	putIOHeader(b, CplD32, 1)
	putCplHeader(b[8:], tag)
	binary.LittleEndian.PutUint32(b[16:20], val)
	return b
}

// EncodeCompletionData64 builds a completion carrying 64-bit data.
func EncodeCompletionData64(tag uint8, val uint64) []byte {
	b := make([]byte, SizeCompletionD64)
	putEnvelope(b, PayloadIO, SizeCompletionD64)
	putIOHeader(b, CplD64, 2)
	putCplHeader(b[8:], tag)
	binary.LittleEndian.PutUint64(b[16:24], val)
	return b
}

func putCplHeader(b []byte, tag uint8) {
	binary.BigEndian.PutUint16(b[0:2], 0) // completer_id
	b[2] = 0                              // status: success
	b[3] = 0
	binary.BigEndian.PutUint16(b[4:6], 0) // req_id
	b[6] = tag
	b[7] = 0 // lower_addr
}

// DecodeIOCompletion parses a Cpl/CplD32/CplD64 message. The shape is driven
// by the declared length and cross-checked against fmt_type.
func DecodeIOCompletion(b []byte) (*IOCompletion, error) {
	if len(b) < SizeCompletion {
		return nil, fmt.Errorf("%w: completion needs %d bytes, have %d",
			ErrLengthMismatch, SizeCompletion, len(b))
	}
	fmtType := IOFmtType(b[4])
	var want, size int
	switch fmtType {
	case Cpl:
		want = SizeCompletion
	case CplD32:
		want, size = SizeCompletionD32, 4
	case CplD64:
		want, size = SizeCompletionD64, 8
	default:
		return nil, fmt.Errorf("%w: %#02x is not a completion", ErrUnknownFmtType, byte(fmtType))
	}
	if err := checkShape(b, want, PayloadIO); err != nil {
		return nil, err
	}
	c := &IOCompletion{
		Fmt:         fmtType,
		CompleterID: binary.BigEndian.Uint16(b[8:10]),
		Status:      b[10] & 0x7,
		ReqID:       binary.BigEndian.Uint16(b[12:14]),
		Tag:         b[14],
		LowerAddr:   b[15] & 0x7F,
		Size:        size,
	}
	switch fmtType {
	case CplD32:
		c.Data = uint64(binary.LittleEndian.Uint32(b[16:20]))
	case CplD64:
		c.Data = binary.LittleEndian.Uint64(b[16:24])
	}
	return c, nil
}
