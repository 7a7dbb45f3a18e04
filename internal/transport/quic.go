package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/quic-go/quic-go"
)

const maxIdleTimeout = 30 * time.Second

// quicStream binds a QUIC stream to its connection and transport so the
// whole stack tears down together on Close.
type quicStream struct {
	*quic.Stream
	qconn *quic.Conn
	tr    *quic.Transport // keeps the underlying UDP socket alive
}

func (s *quicStream) Close() error {
	s.Stream.CancelRead(0)
	s.Stream.Close()
	if s.qconn != nil {
		s.qconn.CloseWithError(0, "closed")
	}
	if s.tr != nil {
		return s.tr.Close()
	}
	return nil
}

// DialQUICStream connects to a remote device endpoint over QUIC and opens
// the single bidirectional stream messages travel on.
func DialQUICStream(ctx context.Context, host string, port int) (Stream, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAddressResolution, host, err)
	}

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("%w: listen udp: %v", ErrConnection, err)
	}

	tr := &quic.Transport{Conn: udpConn}
	quicConf := &quic.Config{MaxIdleTimeout: maxIdleTimeout}

	qconn, err := tr.Dial(ctx, addr, ClientTLSConfig(), quicConf)
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("%w: quic dial %s:%d: %v", ErrConnection, host, port, err)
	}

	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(1, "stream open failed")
		tr.Close()
		return nil, fmt.Errorf("%w: open stream: %v", ErrConnection, err)
	}

	return &quicStream{Stream: stream, qconn: qconn, tr: tr}, nil
}

// quicListener accepts QUIC streams on the device side.
type quicListener struct {
	tr   *quic.Transport
	ln   *quic.Listener
	port int
}

func listenQUIC(port int) (*quicListener, error) {
	cert, err := GenerateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("%w: generate cert: %v", ErrConnection, err)
	}

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("%w: listen udp: %v", ErrConnection, err)
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(ServerTLSConfig(cert), &quic.Config{MaxIdleTimeout: maxIdleTimeout})
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("%w: quic listen: %v", ErrConnection, err)
	}

	return &quicListener{
		tr:   tr,
		ln:   ln,
		port: udpConn.LocalAddr().(*net.UDPAddr).Port,
	}, nil
}

func (l *quicListener) Port() int {
	return l.port
}

// Accept waits for a connection and its first bidirectional stream.
func (l *quicListener) Accept(ctx context.Context) (Stream, error) {
	qconn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: quic accept: %v", ErrConnection, err)
	}
	stream, err := qconn.AcceptStream(ctx)
	if err != nil {
		qconn.CloseWithError(1, "no stream")
		return nil, fmt.Errorf("%w: accept stream: %v", ErrConnection, err)
	}
	// transport ownership stays with the listener
	return &quicStream{Stream: stream, qconn: qconn}, nil
}

func (l *quicListener) Close() error {
	l.ln.Close()
	return l.tr.Close()
}
