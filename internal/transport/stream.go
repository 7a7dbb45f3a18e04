// Package transport carries framed messages between a host bridge and a
// remote device over a single byte stream. TCP matches the wire the original
// peers speak; QUIC is available for links where both ends run this
// implementation.
package transport

import (
	"context"
	"errors"
	"io"
	"time"
)

// DialMode selects which transport to use when dialing.
type DialMode int

const (
	DialTCP DialMode = iota
	DialQUIC
)

func (m DialMode) String() string {
	switch m {
	case DialTCP:
		return "TCP"
	case DialQUIC:
		return "QUIC"
	default:
		return "unknown"
	}
}

// Stream is a reliable ordered byte stream with read/write deadlines. TCP
// connections and QUIC streams both satisfy it.
type Stream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// DialStream dials host:port with the selected transport.
func DialStream(ctx context.Context, mode DialMode, host string, port int) (Stream, error) {
	if mode == DialQUIC {
		return DialQUICStream(ctx, host, port)
	}
	return Dial(ctx, host, port)
}

var (
	ErrAddressResolution = errors.New("transport: address resolution failed")
	ErrConnection        = errors.New("transport: connection failed")
	ErrTimeout           = errors.New("transport: deadline expired before a complete message arrived")
	ErrOverflow          = errors.New("transport: peer declared an oversized message")
)
