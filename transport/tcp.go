package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/playhouse-dev/playhouse/packet"
)

// tcpConn implements Conn over a raw TCP (or TLS-wrapped TCP) stream,
// buffering reads on a packet.FrameReader keyed to the PlayHouse length
// prefix.
type tcpConn struct {
	conn net.Conn
	fr   *packet.FrameReader
	mu   sync.Mutex // serializes writes
	addr string
}

func newTCPConn(conn net.Conn, maxPacketSize uint32) *tcpConn {
	return &tcpConn{
		conn: conn,
		fr:   packet.NewFrameReader(maxPacketSize),
		addr: conn.RemoteAddr().String(),
	}
}

// DialTCP connects to addr over plain TCP.
func DialTCP(ctx context.Context, addr string, maxPacketSize uint32) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", addr, err)
	}
	return newTCPConn(conn, maxPacketSize), nil
}

// DialTCPTLS connects to addr over TLS-wrapped TCP.
func DialTCPTLS(ctx context.Context, addr string, cfg *tls.Config, maxPacketSize uint32) (Conn, error) {
	var d tls.Dialer
	d.Config = cfg
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tls dial %s: %w", addr, err)
	}
	return newTCPConn(conn, maxPacketSize), nil
}

func (t *tcpConn) WriteFrame(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.conn.Write(frame); err != nil {
		return fmt.Errorf("tcp write: %w", err)
	}
	return nil
}

func (t *tcpConn) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		if body, ok, err := t.fr.Next(); err != nil {
			return nil, err
		} else if ok {
			return body, nil
		}

		chunk := make([]byte, 64*1024)
		n, err := t.conn.Read(chunk)
		if n > 0 {
			t.fr.Feed(chunk[:n])
		}
		if err != nil {
			return nil, fmt.Errorf("tcp read: %w", err)
		}
	}
}

func (t *tcpConn) Close() error       { return t.conn.Close() }
func (t *tcpConn) RemoteAddr() string { return t.addr }

// tcpListener implements Listener over net.Listener, optionally TLS-wrapped.
type tcpListener struct {
	ln            net.Listener
	maxPacketSize uint32
}

// ListenTCP opens a TCP listener on addr. If tlsConfig is non-nil the
// listener wraps every accepted connection in TLS.
func ListenTCP(addr string, tlsConfig *tls.Config, maxPacketSize uint32) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen %s: %w", addr, err)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	return &tcpListener{ln: ln, maxPacketSize: maxPacketSize}, nil
}

func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("tcp accept: %w", err)
	}
	return newTCPConn(conn, l.maxPacketSize), nil
}

func (l *tcpListener) Close() error { return l.ln.Close() }
func (l *tcpListener) Addr() string { return l.ln.Addr().String() }
