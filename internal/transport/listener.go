package transport

import (
	"context"
	"fmt"
)

// Listener accepts streams from host bridges over both TCP and QUIC bound to
// the same port number. Accept returns whichever arrives first.
type Listener struct {
	tcp  *tcpListener
	quic *quicListener
	port int

	streamCh chan acceptRes
	cancel   context.CancelFunc
}

type acceptRes struct {
	stream Stream
	err    error
}

// Listen binds TCP and QUIC to port. Port 0 lets the OS pick: TCP binds
// first and QUIC follows on the same number (the protocols do not conflict).
func Listen(port int) (*Listener, error) {
	tl, err := listenTCP(port)
	if err != nil {
		return nil, err
	}
	ql, err := listenQUIC(tl.Port())
	if err != nil {
		tl.Close()
		return nil, fmt.Errorf("quic listen on port %d: %w", tl.Port(), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		tcp:      tl,
		quic:     ql,
		port:     tl.Port(),
		streamCh: make(chan acceptRes, 4),
		cancel:   cancel,
	}
	go l.acceptLoop(ctx, func(ctx context.Context) (Stream, error) { return l.tcp.Accept(ctx) })
	go l.acceptLoop(ctx, func(ctx context.Context) (Stream, error) { return l.quic.Accept(ctx) })
	return l, nil
}

func (l *Listener) acceptLoop(ctx context.Context, accept func(context.Context) (Stream, error)) {
	for {
		stream, err := accept(ctx)
		select {
		case l.streamCh <- acceptRes{stream: stream, err: err}:
		case <-ctx.Done():
			if stream != nil {
				stream.Close()
			}
			return
		}
		if err != nil {
			return
		}
	}
}

// Accept returns the next incoming stream from either transport.
func (l *Listener) Accept(ctx context.Context) (Stream, error) {
	select {
	case res := <-l.streamCh:
		return res.stream, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Port returns the port number both listeners are bound to.
func (l *Listener) Port() int {
	return l.port
}

// Close shuts down both listeners.
func (l *Listener) Close() error {
	l.cancel()
	tcpErr := l.tcp.Close()
	quicErr := l.quic.Close()
	if tcpErr != nil {
		return tcpErr
	}
	return quicErr
}
