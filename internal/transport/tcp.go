package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// Dial connects to a remote device endpoint over plain TCP. The two failure
// classes are kept apart so callers can tell a bad name from an unreachable
// peer.
func Dial(ctx context.Context, host string, port int) (Stream, error) {
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s: %v", ErrAddressResolution, host, err)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(addrs[0], strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s:%d: %v", ErrConnection, host, port, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return conn, nil
}

// tcpListener accepts plain TCP streams on the device side.
type tcpListener struct {
	ln   net.Listener
	port int
}

func listenTCP(port int) (*tcpListener, error) {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return nil, fmt.Errorf("%w: tcp listen: %v", ErrConnection, err)
	}
	return &tcpListener{
		ln:   ln,
		port: ln.Addr().(*net.TCPAddr).Port,
	}, nil
}

func (l *tcpListener) Port() int {
	return l.port
}

// Accept waits for the next TCP connection, respecting ctx cancellation.
func (l *tcpListener) Accept(ctx context.Context) (Stream, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%w: accept: %v", ErrConnection, res.err)
		}
		if tc, ok := res.conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		return res.conn, nil
	case <-ctx.Done():
		// The goroutine may still be blocked in Accept; it unblocks when the
		// caller closes the listener. Reap any connection it raced to take.
		go func() {
			res := <-ch
			if res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}
