package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"

	"github.com/coder/websocket"
)

const defaultWSReadLimit = 1 << 20 // matches DefaultMaxPacketSize

// wsConn implements Conn over a WebSocket connection: one ReadFrame call
// maps directly onto one WS binary message (no inter-frame fragmentation).
type wsConn struct {
	conn *websocket.Conn
	addr string
}

// DialWebSocket connects to a ws:// or wss:// URL.
func DialWebSocket(ctx context.Context, url string, maxPacketSize uint32) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	conn.SetReadLimit(readLimit(maxPacketSize))
	return &wsConn{conn: conn, addr: url}, nil
}

func (w *wsConn) WriteFrame(ctx context.Context, frame []byte) error {
	if err := w.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (w *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("websocket read: %w", err)
	}
	return data, nil
}

func (w *wsConn) Close() error       { return w.conn.CloseNow() }
func (w *wsConn) RemoteAddr() string { return w.addr }

// wsListener implements Listener by running an http.Server that upgrades
// every request on path to a WebSocket connection.
type wsListener struct {
	ln     net.Listener
	srv    *http.Server
	accept chan acceptResult
	path   string
}

type acceptResult struct {
	conn *wsConn
	err  error
}

// ListenWebSocket opens an HTTP listener on addr, upgrading requests to
// path into WebSocket connections. If tlsConfig is non-nil the listener
// serves WSS.
func ListenWebSocket(addr, path string, tlsConfig *tls.Config, maxPacketSize uint32) (Listener, error) {
	if path == "" {
		path = "/ws"
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("websocket listen %s: %w", addr, err)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	l := &wsListener{ln: ln, path: path, accept: make(chan acceptResult)}

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c.SetReadLimit(readLimit(maxPacketSize))
		conn := &wsConn{conn: c, addr: r.RemoteAddr}
		l.accept <- acceptResult{conn: conn}
	})

	l.srv = &http.Server{Handler: mux}
	go l.srv.Serve(ln)

	return l, nil
}

func (l *wsListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case res := <-l.accept:
		if res.err != nil {
			return nil, res.err
		}
		return res.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *wsListener) Close() error {
	_ = l.srv.Close()
	return l.ln.Close()
}

func (l *wsListener) Addr() string { return l.ln.Addr().String() }

func readLimit(maxPacketSize uint32) int64 {
	if maxPacketSize == 0 {
		return defaultWSReadLimit
	}
	return int64(maxPacketSize)
}
