package protocol

import "errors"

var (
	ErrMessageTooLarge    = errors.New("protocol: message exceeds maximum size")
	ErrLengthMismatch     = errors.New("protocol: length does not match message shape")
	ErrUnknownPayloadType = errors.New("protocol: unknown payload type")
	ErrUnknownFmtType     = errors.New("protocol: unknown io format type")
	ErrUnknownChannel     = errors.New("protocol: unknown mem channel")
	ErrEncodingConstraint = errors.New("protocol: encoding constraint violated")
)
