package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/hkwon/cxlink/internal/protocol"
)

// pipe returns two framed ends of an in-memory connection.
func pipe(t *testing.T) (*Framer, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	f := NewFramer(a)
	t.Cleanup(func() {
		f.Close()
		b.Close()
	})
	return f, b
}

func TestReadMessageWhole(t *testing.T) {
	f, peer := pipe(t)

	msg, err := protocol.EncodeIOMemRead(0x1000, 4, 0)
	if err != nil {
		t.Fatal(err)
	}
	go peer.Write(msg)

	got, err := f.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(msg) {
		t.Fatalf("length: got %d, want %d", len(got), len(msg))
	}
	for i := range msg {
		if got[i] != msg[i] {
			t.Fatalf("byte %d: got %#02x, want %#02x", i, got[i], msg[i])
		}
	}
}

func TestReadMessageAccumulates(t *testing.T) {
	f, peer := pipe(t)

	msg := protocol.EncodeCompletionData32(0, 0xDEADBEEF)
	// trickle the message one byte at a time; the framer must assemble it
	go func() {
		for i := range msg {
			peer.Write(msg[i : i+1])
			time.Sleep(time.Millisecond)
		}
	}()

	got, err := f.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	c, err := protocol.DecodeIOCompletion(got)
	if err != nil {
		t.Fatal(err)
	}
	if c.Data != 0xDEADBEEF {
		t.Fatalf("data: got %#x", c.Data)
	}
}

func TestReadMessageTimeout(t *testing.T) {
	f, peer := pipe(t)
	f.SetTimeout(50 * time.Millisecond)

	// send only the envelope of a larger message, then go silent
	msg, _ := protocol.EncodeIOMemRead(0x1000, 4, 0)
	go peer.Write(msg[:protocol.EnvelopeSize])

	_, err := f.ReadMessage()
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestReadMessageSilentPeer(t *testing.T) {
	f, _ := pipe(t)
	f.SetTimeout(50 * time.Millisecond)

	start := time.Now()
	_, err := f.ReadMessage()
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("returned after %v, before the deadline", elapsed)
	}
}

func TestReadMessageOverflow(t *testing.T) {
	f, peer := pipe(t)

	// adversarial envelope declaring 64 KiB
	go peer.Write([]byte{0x01, 0x00, 0xFF, 0xFF})

	_, err := f.ReadMessage()
	if !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestReadMessageClosedPeer(t *testing.T) {
	f, peer := pipe(t)
	peer.Close()

	_, err := f.ReadMessage()
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}

func TestWriteMessageTooLarge(t *testing.T) {
	f, _ := pipe(t)
	err := f.WriteMessage(make([]byte, protocol.MaxMessageSize+1))
	if !errors.Is(err, protocol.ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestDialUnresolvableHost(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Dial(ctx, "no-such-host.invalid", 9999)
	if !errors.Is(err, ErrAddressResolution) {
		t.Fatalf("expected ErrAddressResolution, got %v", err)
	}
}

func TestListenerTCPLoopback(t *testing.T) {
	l, err := Listen(0)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type accepted struct {
		stream Stream
		err    error
	}
	ch := make(chan accepted, 1)
	go func() {
		s, err := l.Accept(ctx)
		ch <- accepted{s, err}
	}()

	client, err := Dial(ctx, "127.0.0.1", l.Port())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	res := <-ch
	if res.err != nil {
		t.Fatal(res.err)
	}
	defer res.stream.Close()

	// round trip one message through real framers
	cf := NewFramer(client)
	sf := NewFramer(res.stream)

	if err := cf.WriteMessage(protocol.EncodeConnectionRequest(2)); err != nil {
		t.Fatal(err)
	}
	got, err := sf.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	sb, err := protocol.DecodeSideband(got)
	if err != nil {
		t.Fatal(err)
	}
	if sb.Type != protocol.SidebandConnectionRequest || sb.Port != 2 {
		t.Fatalf("unexpected message: %+v", sb)
	}
}

func TestListenerQUICLoopback(t *testing.T) {
	l, err := Listen(0)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type accepted struct {
		stream Stream
		err    error
	}
	ch := make(chan accepted, 1)
	go func() {
		s, err := l.Accept(ctx)
		ch <- accepted{s, err}
	}()

	client, err := DialQUICStream(ctx, "127.0.0.1", l.Port())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	// QUIC does not announce the stream until the first write
	cf := NewFramer(client)
	if err := cf.WriteMessage(protocol.EncodeSideband(protocol.SidebandDisconnect)); err != nil {
		t.Fatal(err)
	}

	res := <-ch
	if res.err != nil {
		t.Fatal(res.err)
	}
	defer res.stream.Close()

	sf := NewFramer(res.stream)
	got, err := sf.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	sb, err := protocol.DecodeSideband(got)
	if err != nil {
		t.Fatal(err)
	}
	if sb.Type != protocol.SidebandDisconnect {
		t.Fatalf("unexpected message: %+v", sb)
	}
}
