package protocol

// Transport-wide protocol constants. These are fixed by the peer
// implementation and must not be tuned.
const (
	// EnvelopeSize is the fixed leading header present on every message.
	EnvelopeSize = 4

	// MaxMessageSize bounds every complete message (envelope included).
	// A declared payload_length above this is a protocol violation.
	MaxMessageSize = 512

	// MaxTag is the number of correlation tags (0..MaxTag-1).
	MaxTag = 512

	// ConfigSpaceSize is the addressable config space per function.
	ConfigSpaceSize = 4096

	// MemAccessUnit is the CXL.mem transfer granule (one cache line).
	MemAccessUnit = 64
)

// PayloadType discriminates the sub-protocol of a message.
type PayloadType uint16

const (
	PayloadIO       PayloadType = 1
	PayloadMem      PayloadType = 2
	PayloadSideband PayloadType = 15
)

func (t PayloadType) String() string {
	switch t {
	case PayloadIO:
		return "CXL.io"
	case PayloadMem:
		return "CXL.mem"
	case PayloadSideband:
		return "sideband"
	default:
		return "unknown"
	}
}

// IOFmtType identifies the format/type of a CXL.io message.
type IOFmtType byte

const (
	MRd32  IOFmtType = 0x00
	MRd64  IOFmtType = 0x20
	MWr32  IOFmtType = 0x40
	MWr64  IOFmtType = 0x60
	CfgRd0 IOFmtType = 0x04
	CfgWr0 IOFmtType = 0x44
	CfgRd1 IOFmtType = 0x05
	CfgWr1 IOFmtType = 0x45
	Cpl    IOFmtType = 0x0A
	CplD32 IOFmtType = 0x4A
	CplD64 IOFmtType = 0x6A
)

// MemChannel identifies the CXL.mem message channel.
type MemChannel byte

const (
	M2SReq MemChannel = 1 // master-to-subordinate read request
	M2SRwD MemChannel = 2 // master-to-subordinate write with data
	S2MNDR MemChannel = 3 // subordinate-to-master no-data response
	S2MDRS MemChannel = 4 // subordinate-to-master data response
)

// MemOpcode is the CXL.mem operation code.
type MemOpcode byte

const (
	MemRd MemOpcode = 1
	MemWr MemOpcode = 2
)

// SidebandType identifies a sideband message.
type SidebandType byte

const (
	SidebandConnectionRequest SidebandType = 1
	SidebandConnectionAccept  SidebandType = 2
	SidebandConnectionReject  SidebandType = 3
	SidebandDisconnect        SidebandType = 4
)

// Fixed header sizes (bytes).
const (
	ioHeaderSize       = 4
	memReqHeaderSize   = 12
	cfgReqHeaderSize   = 12
	cplHeaderSize      = 8
	memHeaderSize      = 2
	m2sHeaderSize      = 12
	s2mHeaderSize      = 4
	sidebandHeaderSize = 2
)

// Total message sizes (bytes, envelope included). Waits match completions
// by exact size, so every inbound shape must be distinct.
const (
	SizeIOMemRead     = EnvelopeSize + ioHeaderSize + memReqHeaderSize // 20
	SizeIOMemWrite32  = SizeIOMemRead + 4                              // 24
	SizeIOMemWrite64  = SizeIOMemRead + 8                              // 28
	SizeConfigRead    = EnvelopeSize + ioHeaderSize + cfgReqHeaderSize // 20
	SizeConfigWrite   = SizeConfigRead + 4                             // 24
	SizeCompletion    = EnvelopeSize + ioHeaderSize + cplHeaderSize    // 16
	SizeCompletionD32 = SizeCompletion + 4                             // 20
	SizeCompletionD64 = SizeCompletion + 8                             // 24
	SizeMemRead       = EnvelopeSize + memHeaderSize + m2sHeaderSize   // 18
	SizeMemWrite      = SizeMemRead + MemAccessUnit                    // 82
	SizeMemCompletion = EnvelopeSize + memHeaderSize + s2mHeaderSize   // 10
	SizeMemData       = SizeMemCompletion + MemAccessUnit              // 74
	SizeSidebandBase  = EnvelopeSize + sidebandHeaderSize              // 6
	SizeSidebandConn  = SizeSidebandBase + 4                           // 10
)
