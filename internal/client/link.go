// Package client implements the host-bridge side of a device link: it sends
// requests, correlates responses by tag, and blocks callers until the
// response they asked for arrives.
package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hkwon/cxlink/internal/pending"
	"github.com/hkwon/cxlink/internal/protocol"
	"github.com/hkwon/cxlink/internal/transport"
)

var (
	// ErrProtocolMismatch means the peer answered with a message of the
	// wrong shape. The response is consumed; the link stays usable.
	ErrProtocolMismatch = errors.New("client: response shape does not match request")

	// ErrConnectionRejected means the device refused the port binding.
	ErrConnectionRejected = errors.New("client: device rejected the connection request")
)

// Link is one framed connection to a remote device. Requests run one at a
// time: a send hands back a tag and the matching wait blocks until the
// response for that tag is in hand.
type Link struct {
	framer *transport.Framer
	table  *pending.Table
	log    zerolog.Logger
}

// NewLink wraps an established stream. The caller keeps ownership of nothing;
// Close tears the stream down.
func NewLink(stream transport.Stream, log zerolog.Logger) *Link {
	return &Link{
		framer: transport.NewFramer(stream),
		table:  pending.NewTable(),
		log:    log,
	}
}

// SetTimeout adjusts the per-message deadline on the underlying framer.
func (l *Link) SetTimeout(d time.Duration) {
	l.framer.SetTimeout(d)
}

// Close shuts the link down and discards any uncollected responses.
func (l *Link) Close() error {
	l.table.Reset()
	return l.framer.Close()
}

// nextTag allocates the correlation tag for an outgoing request. Requests on
// a link run strictly one at a time, so a single tag suffices; the full tag
// space stays reserved on the wire for peers that pipeline.
func (l *Link) nextTag() uint16 {
	return 0
}

func (l *Link) send(msg []byte, kind string) (uint16, error) {
	tag := l.nextTag()
	if err := l.framer.WriteMessage(msg); err != nil {
		l.log.Error().Err(err).Str("kind", kind).Msg("send failed")
		return 0, err
	}
	l.log.Trace().Str("kind", kind).Uint16("tag", tag).Int("len", len(msg)).Msg("sent")
	return tag, nil
}

// wait blocks until a response for tag is available, then checks its total
// size against the expected shapes. On a shape mismatch the response is
// still consumed so the slot is free for the next exchange.
func (l *Link) wait(tag uint16, wantSizes ...int) ([]byte, error) {
	for !l.table.Occupied(tag) {
		msg, err := l.framer.ReadMessage()
		if err != nil {
			return nil, err
		}
		if err := l.table.Store(tag, msg); err != nil {
			return nil, err
		}
	}
	buf, err := l.table.Take(tag)
	if err != nil {
		return nil, err
	}
	for _, want := range wantSizes {
		if len(buf) == want {
			return buf, nil
		}
	}
	got := len(buf)
	pending.Recycle(buf)
	return nil, fmt.Errorf("%w: got %d bytes, want one of %v", ErrProtocolMismatch, got, wantSizes)
}

// SendConnectionRequest asks the device to bind this link to a downstream
// port.
func (l *Link) SendConnectionRequest(port uint32) (uint16, error) {
	return l.send(protocol.EncodeConnectionRequest(port), "sideband.connect")
}

// WaitSideband blocks for the bare sideband response to tag.
func (l *Link) WaitSideband(tag uint16) (*protocol.Sideband, error) {
	buf, err := l.wait(tag, protocol.SizeSidebandBase)
	if err != nil {
		return nil, err
	}
	defer pending.Recycle(buf)
	return protocol.DecodeSideband(buf)
}

// Handshake binds the link to a downstream port. It must complete before any
// device traffic is sent.
func (l *Link) Handshake(port uint32) error {
	tag, err := l.SendConnectionRequest(port)
	if err != nil {
		return err
	}
	sb, err := l.WaitSideband(tag)
	if err != nil {
		return err
	}
	switch sb.Type {
	case protocol.SidebandConnectionAccept:
		l.log.Debug().Uint32("port", port).Msg("connection accepted")
		return nil
	case protocol.SidebandConnectionReject:
		return fmt.Errorf("%w: port %d", ErrConnectionRejected, port)
	default:
		return fmt.Errorf("%w: sideband type %d", ErrProtocolMismatch, sb.Type)
	}
}

// SendMemRead issues a CXL.mem read for the cache line at hpa.
func (l *Link) SendMemRead(hpa uint64) (uint16, error) {
	msg, err := protocol.EncodeMemRead(hpa)
	if err != nil {
		return 0, err
	}
	return l.send(msg, "mem.read")
}

// SendMemWrite issues a CXL.mem write of one full cache line at hpa.
func (l *Link) SendMemWrite(hpa uint64, line []byte) (uint16, error) {
	msg, err := protocol.EncodeMemWrite(hpa, line)
	if err != nil {
		return 0, err
	}
	return l.send(msg, "mem.write")
}

// WaitMemData blocks for the data response to a mem read.
func (l *Link) WaitMemData(tag uint16) ([]byte, error) {
	buf, err := l.wait(tag, protocol.SizeMemData)
	if err != nil {
		return nil, err
	}
	defer pending.Recycle(buf)
	resp, err := protocol.DecodeMemResponse(buf)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// WaitMemCompletion blocks for the no-data response to a mem write.
func (l *Link) WaitMemCompletion(tag uint16) error {
	buf, err := l.wait(tag, protocol.SizeMemCompletion)
	if err != nil {
		return err
	}
	defer pending.Recycle(buf)
	_, err = protocol.DecodeMemResponse(buf)
	return err
}

// MemRead reads one cache line, blocking for the data.
func (l *Link) MemRead(hpa uint64) ([]byte, error) {
	tag, err := l.SendMemRead(hpa)
	if err != nil {
		return nil, err
	}
	return l.WaitMemData(tag)
}

// MemWrite writes one cache line, blocking for the acknowledgement.
func (l *Link) MemWrite(hpa uint64, line []byte) error {
	tag, err := l.SendMemWrite(hpa, line)
	if err != nil {
		return err
	}
	return l.WaitMemCompletion(tag)
}

// SendIOMemRead issues an MMIO read of size bytes (4 or 8) at addr.
func (l *Link) SendIOMemRead(addr uint64, size int) (uint16, error) {
	msg, err := protocol.EncodeIOMemRead(addr, size, uint8(l.nextTag()))
	if err != nil {
		return 0, err
	}
	return l.send(msg, "io.mem.read")
}

// SendIOMemWrite issues a posted MMIO write. No completion comes back.
func (l *Link) SendIOMemWrite(addr uint64, val uint64, size int) error {
	msg, err := protocol.EncodeIOMemWrite(addr, val, size, uint8(l.nextTag()))
	if err != nil {
		return err
	}
	_, err = l.send(msg, "io.mem.write")
	return err
}

// WaitIOCompletionData blocks for the data completion to an MMIO read and
// returns its value.
func (l *Link) WaitIOCompletionData(tag uint16, size int) (uint64, error) {
	want := protocol.SizeCompletionD32
	if size == 8 {
		want = protocol.SizeCompletionD64
	}
	buf, err := l.wait(tag, want)
	if err != nil {
		return 0, err
	}
	defer pending.Recycle(buf)
	cpl, err := protocol.DecodeIOCompletion(buf)
	if err != nil {
		return 0, err
	}
	return cpl.Data, nil
}

// IOMemRead reads size bytes (4 or 8) of MMIO at addr, blocking for the
// completion data.
func (l *Link) IOMemRead(addr uint64, size int) (uint64, error) {
	tag, err := l.SendIOMemRead(addr, size)
	if err != nil {
		return 0, err
	}
	return l.WaitIOCompletionData(tag, size)
}

// SendConfigRead issues a config read at offset within dest's config space.
func (l *Link) SendConfigRead(dest uint16, offset uint16, size int, type0 bool) (uint16, error) {
	msg, err := protocol.EncodeConfigRead(dest, offset, size, type0, uint8(l.nextTag()))
	if err != nil {
		return 0, err
	}
	return l.send(msg, "io.cfg.read")
}

// SendConfigWrite issues a config write at offset within dest's config space.
func (l *Link) SendConfigWrite(dest uint16, offset uint16, val uint32, size int, type0 bool) (uint16, error) {
	msg, err := protocol.EncodeConfigWrite(dest, offset, val, size, type0, uint8(l.nextTag()))
	if err != nil {
		return 0, err
	}
	return l.send(msg, "io.cfg.write")
}

// WaitConfigCompletion blocks for the completion to a config read. A
// completion without data means the target has nothing at that location;
// the read resolves to all-ones, the way absent config space reads back.
func (l *Link) WaitConfigCompletion(tag uint16) (uint32, error) {
	buf, err := l.wait(tag, protocol.SizeCompletionD32, protocol.SizeCompletion)
	if err != nil {
		return 0, err
	}
	defer pending.Recycle(buf)
	cpl, err := protocol.DecodeIOCompletion(buf)
	if err != nil {
		return 0, err
	}
	if cpl.Fmt == protocol.Cpl {
		return 0xFFFFFFFF, nil
	}
	return uint32(cpl.Data), nil
}

// WaitIOCompletion blocks for the no-data completion to a config write.
func (l *Link) WaitIOCompletion(tag uint16) error {
	buf, err := l.wait(tag, protocol.SizeCompletion)
	if err != nil {
		return err
	}
	defer pending.Recycle(buf)
	_, err = protocol.DecodeIOCompletion(buf)
	return err
}

// ConfigRead reads size bytes (1, 2 or 4) of config space, blocking for the
// completion.
func (l *Link) ConfigRead(dest uint16, offset uint16, size int, type0 bool) (uint32, error) {
	tag, err := l.SendConfigRead(dest, offset, size, type0)
	if err != nil {
		return 0, err
	}
	return l.WaitConfigCompletion(tag)
}

// ConfigWrite writes size bytes (1, 2 or 4) of config space, blocking for
// the completion.
func (l *Link) ConfigWrite(dest uint16, offset uint16, val uint32, size int, type0 bool) error {
	tag, err := l.SendConfigWrite(dest, offset, val, size, type0)
	if err != nil {
		return err
	}
	return l.WaitIOCompletion(tag)
}
