package protocol

import "fmt"

// DecodeMessage parses a complete framed message into its typed form. It is
// the receive-side entry point for peers that must accept any message kind;
// callers expecting one specific shape use the typed decoders directly.
//
// The returned value is one of *IOMemRequest, *ConfigRequest, *IOCompletion,
// *MemRequest, *MemResponse or *Sideband.
func DecodeMessage(b []byte) (any, error) {
	env, err := DecodeEnvelope(b)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case PayloadIO:
		if len(b) < EnvelopeSize+ioHeaderSize {
			return nil, fmt.Errorf("%w: io message needs at least %d bytes, have %d",
				ErrLengthMismatch, EnvelopeSize+ioHeaderSize, len(b))
		}
		switch IOFmtType(b[4]) {
		case MRd32, MRd64, MWr32, MWr64:
			return DecodeIOMemRequest(b)
		case CfgRd0, CfgRd1, CfgWr0, CfgWr1:
			return DecodeConfigRequest(b)
		case Cpl, CplD32, CplD64:
			return DecodeIOCompletion(b)
		default:
			return nil, fmt.Errorf("%w: %#02x", ErrUnknownFmtType, b[4])
		}
	case PayloadMem:
		if len(b) < EnvelopeSize+memHeaderSize {
			return nil, fmt.Errorf("%w: mem message needs at least %d bytes, have %d",
				ErrLengthMismatch, EnvelopeSize+memHeaderSize, len(b))
		}
		switch MemChannel(b[4]) {
		case M2SReq, M2SRwD:
			return DecodeMemRequest(b)
		case S2MNDR, S2MDRS:
			return DecodeMemResponse(b)
		default:
			return nil, fmt.Errorf("%w: %#02x", ErrUnknownChannel, b[4])
		}
	case PayloadSideband:
		return DecodeSideband(b)
	default:
		return nil, fmt.Errorf("%w: %#04x", ErrUnknownPayloadType, uint16(env.Type))
	}
}
