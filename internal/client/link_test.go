package client

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hkwon/cxlink/internal/protocol"
	"github.com/hkwon/cxlink/internal/transport"
)

// testLink returns a link over an in-memory pipe plus the peer end, framed.
func testLink(t *testing.T) (*Link, *transport.Framer) {
	t.Helper()
	a, b := net.Pipe()
	l := NewLink(a, zerolog.Nop())
	peer := transport.NewFramer(b)
	t.Cleanup(func() {
		l.Close()
		peer.Close()
	})
	return l, peer
}

// serve runs fn against each message the peer receives until the pipe closes.
func serve(peer *transport.Framer, fn func(msg []byte) [][]byte) {
	go func() {
		for {
			msg, err := peer.ReadMessage()
			if err != nil {
				return
			}
			for _, resp := range fn(msg) {
				if err := peer.WriteMessage(resp); err != nil {
					return
				}
			}
		}
	}()
}

func TestIOMemReadCompletion(t *testing.T) {
	l, peer := testLink(t)
	serve(peer, func(msg []byte) [][]byte {
		req, err := protocol.DecodeIOMemRequest(msg)
		if err != nil {
			t.Errorf("peer decode: %v", err)
			return nil
		}
		if req.Fmt != protocol.MRd32 || req.Addr != 0x2000 {
			t.Errorf("unexpected request: %+v", req)
		}
		return [][]byte{protocol.EncodeCompletionData32(req.Tag, 0xDEADBEEF)}
	})

	val, err := l.IOMemRead(0x2000, 4)
	if err != nil {
		t.Fatal(err)
	}
	if val != 0xDEADBEEF {
		t.Fatalf("value: got %#x, want 0xDEADBEEF", val)
	}
}

func TestIOMemRead64(t *testing.T) {
	l, peer := testLink(t)
	serve(peer, func(msg []byte) [][]byte {
		req, _ := protocol.DecodeIOMemRequest(msg)
		return [][]byte{protocol.EncodeCompletionData64(req.Tag, 0x0102030405060708)}
	})

	val, err := l.IOMemRead(0x4000, 8)
	if err != nil {
		t.Fatal(err)
	}
	if val != 0x0102030405060708 {
		t.Fatalf("value: got %#x", val)
	}
}

func TestConfigWriteBoundaryRejectedBeforeSend(t *testing.T) {
	l, peer := testLink(t)
	received := make(chan struct{}, 1)
	serve(peer, func(msg []byte) [][]byte {
		received <- struct{}{}
		return nil
	})

	// 2-byte write at offset 3 crosses a DWORD boundary: rejected locally
	err := l.ConfigWrite(0, 0x3, 0xFFFF, 2, false)
	if !errors.Is(err, protocol.ErrEncodingConstraint) {
		t.Fatalf("expected ErrEncodingConstraint, got %v", err)
	}

	select {
	case <-received:
		t.Fatal("rejected request reached the peer")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSilentPeerTimesOut(t *testing.T) {
	l, peer := testLink(t)
	l.SetTimeout(50 * time.Millisecond)

	// the peer consumes the request and never answers
	serve(peer, func(msg []byte) [][]byte { return nil })

	line := make([]byte, protocol.MemAccessUnit)
	err := l.MemWrite(0x1000, line)
	if !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// the failed exchange must not leave a stale response behind
	if got, err := l.table.Take(0); err == nil {
		t.Fatalf("slot 0 still holds %d bytes", len(got))
	}
}

func TestConfigReadPoisonOnNoData(t *testing.T) {
	l, peer := testLink(t)
	serve(peer, func(msg []byte) [][]byte {
		// answer with a completion that carries no data
		req, _ := protocol.DecodeConfigRequest(msg)
		return [][]byte{protocol.EncodeCompletion(req.Tag)}
	})

	val, err := l.ConfigRead(0x0100, 0x0, 4, false)
	if err != nil {
		t.Fatal(err)
	}
	if val != 0xFFFFFFFF {
		t.Fatalf("expected all-ones, got %#x", val)
	}
}

func TestConfigReadWriteRoundTrip(t *testing.T) {
	l, peer := testLink(t)
	space := make(map[uint16]uint32)
	serve(peer, func(msg []byte) [][]byte {
		req, err := protocol.DecodeConfigRequest(msg)
		if err != nil {
			t.Errorf("peer decode: %v", err)
			return nil
		}
		if req.IsWrite() {
			space[req.Offset()] = req.Data
			return [][]byte{protocol.EncodeCompletion(req.Tag)}
		}
		return [][]byte{protocol.EncodeCompletionData32(req.Tag, space[req.Offset()])}
	})

	if err := l.ConfigWrite(0x0200, 0x10, 0xCAFED00D, 4, false); err != nil {
		t.Fatal(err)
	}
	val, err := l.ConfigRead(0x0200, 0x10, 4, false)
	if err != nil {
		t.Fatal(err)
	}
	if val != 0xCAFED00D {
		t.Fatalf("value: got %#x", val)
	}
}

func TestMemReadWrite(t *testing.T) {
	l, peer := testLink(t)
	lines := make(map[uint64][]byte)
	serve(peer, func(msg []byte) [][]byte {
		req, err := protocol.DecodeMemRequest(msg)
		if err != nil {
			t.Errorf("peer decode: %v", err)
			return nil
		}
		switch req.Channel {
		case protocol.M2SRwD:
			lines[req.Addr] = req.Data
			return [][]byte{protocol.EncodeMemCompletion()}
		case protocol.M2SReq:
			line := lines[req.Addr]
			if line == nil {
				line = make([]byte, protocol.MemAccessUnit)
			}
			resp, _ := protocol.EncodeMemData(line)
			return [][]byte{resp}
		}
		return nil
	})

	line := make([]byte, protocol.MemAccessUnit)
	for i := range line {
		line[i] = byte(i ^ 0x5A)
	}
	if err := l.MemWrite(0x1000_0000, line); err != nil {
		t.Fatal(err)
	}
	got, err := l.MemRead(0x1000_0000)
	if err != nil {
		t.Fatal(err)
	}
	for i := range line {
		if got[i] != line[i] {
			t.Fatalf("byte %d: got %#02x, want %#02x", i, got[i], line[i])
		}
	}
}

func TestHandshakeAccepted(t *testing.T) {
	l, peer := testLink(t)
	serve(peer, func(msg []byte) [][]byte {
		sb, err := protocol.DecodeSideband(msg)
		if err != nil || sb.Type != protocol.SidebandConnectionRequest || sb.Port != 3 {
			t.Errorf("unexpected handshake message: %+v err=%v", sb, err)
		}
		return [][]byte{protocol.EncodeSideband(protocol.SidebandConnectionAccept)}
	})

	if err := l.Handshake(3); err != nil {
		t.Fatal(err)
	}
}

func TestHandshakeRejected(t *testing.T) {
	l, peer := testLink(t)
	serve(peer, func(msg []byte) [][]byte {
		return [][]byte{protocol.EncodeSideband(protocol.SidebandConnectionReject)}
	})

	err := l.Handshake(9)
	if !errors.Is(err, ErrConnectionRejected) {
		t.Fatalf("expected ErrConnectionRejected, got %v", err)
	}
}

func TestWrongShapeConsumesResponse(t *testing.T) {
	l, peer := testLink(t)
	calls := 0
	serve(peer, func(msg []byte) [][]byte {
		calls++
		if calls == 1 {
			// answer a 4-byte MMIO read with a 64-bit completion
			return [][]byte{protocol.EncodeCompletionData64(0, 1)}
		}
		return [][]byte{protocol.EncodeCompletionData32(0, 0x42)}
	})

	_, err := l.IOMemRead(0x1000, 4)
	if !errors.Is(err, ErrProtocolMismatch) {
		t.Fatalf("expected ErrProtocolMismatch, got %v", err)
	}

	// the bad response was consumed: the next exchange proceeds cleanly
	val, err := l.IOMemRead(0x1000, 4)
	if err != nil {
		t.Fatal(err)
	}
	if val != 0x42 {
		t.Fatalf("value: got %#x, want 0x42", val)
	}
}
