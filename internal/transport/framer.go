package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	pool "github.com/libp2p/go-buffer-pool"

	"github.com/hkwon/cxlink/internal/protocol"
)

// DefaultTimeout bounds how long a read or write may take to move one
// complete message. The deadline covers the whole message, not each chunk: a
// peer trickling bytes slower than that is treated as gone.
const DefaultTimeout = 5 * time.Second

// Framer reads and writes complete protocol messages on a Stream. The read
// path accumulates across short reads until the envelope's declared length
// has arrived or the deadline expires.
//
// A Framer is not safe for concurrent readers; writes are safe to interleave
// with one reader because the deadline and scratch buffer belong to the read
// path only.
type Framer struct {
	stream  Stream
	timeout time.Duration
	scratch []byte
}

// NewFramer wraps stream with the default per-message timeout.
func NewFramer(stream Stream) *Framer {
	return &Framer{
		stream:  stream,
		timeout: DefaultTimeout,
		scratch: pool.Get(protocol.MaxMessageSize),
	}
}

// SetTimeout replaces the per-message deadline. Zero disables it.
func (f *Framer) SetTimeout(d time.Duration) {
	f.timeout = d
}

// ReadMessage returns the next complete message. The returned slice aliases
// the framer's scratch buffer and is valid only until the next call.
func (f *Framer) ReadMessage() ([]byte, error) {
	deadline := time.Time{}
	if f.timeout > 0 {
		deadline = time.Now().Add(f.timeout)
	}
	if err := f.stream.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	if err := f.readFull(f.scratch[:protocol.EnvelopeSize]); err != nil {
		return nil, err
	}
	env, err := protocol.DecodeEnvelope(f.scratch[:protocol.EnvelopeSize])
	if err != nil {
		if errors.Is(err, protocol.ErrMessageTooLarge) {
			declared := binary.LittleEndian.Uint16(f.scratch[2:4])
			return nil, fmt.Errorf("%w: %d bytes", ErrOverflow, declared)
		}
		return nil, err
	}

	total := int(env.Length)
	if err := f.readFull(f.scratch[protocol.EnvelopeSize:total]); err != nil {
		return nil, err
	}
	return f.scratch[:total], nil
}

// readFull fills b, mapping deadline expiry to ErrTimeout and anything else
// that breaks the stream to ErrConnection.
func (f *Framer) readFull(b []byte) error {
	_, err := io.ReadFull(f.stream, b)
	if err == nil {
		return nil
	}
	if isTimeout(err) {
		return fmt.Errorf("%w after %v", ErrTimeout, f.timeout)
	}
	return fmt.Errorf("%w: %v", ErrConnection, err)
}

// WriteMessage sends one complete pre-encoded message.
func (f *Framer) WriteMessage(msg []byte) error {
	if len(msg) > protocol.MaxMessageSize {
		return protocol.ErrMessageTooLarge
	}
	deadline := time.Time{}
	if f.timeout > 0 {
		deadline = time.Now().Add(f.timeout)
	}
	if err := f.stream.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if _, err := f.stream.Write(msg); err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w after %v", ErrTimeout, f.timeout)
		}
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return nil
}

// Close releases the scratch buffer and closes the underlying stream.
func (f *Framer) Close() error {
	if f.scratch != nil {
		pool.Put(f.scratch)
		f.scratch = nil
	}
	return f.stream.Close()
}

func isTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
