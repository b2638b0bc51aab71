// Package transport provides the client-facing byte-stream adapters (TCP,
// TCP-TLS, WebSocket, WSS) used by session.Session. All four are
// interchangeable byte-stream adapters over the common packet framing.
package transport

import "context"

// Conn abstracts one client connection, already framed into discrete
// logical packets regardless of the underlying transport: TCP
// implementations buffer on a packet.FrameReader internally, WebSocket
// implementations hand back one ReadFrame result per WS message.
type Conn interface {
	// WriteFrame writes one fully-encoded frame (length prefix included
	// for TCP; the raw frame body for WebSocket, which supplies its own
	// message framing).
	WriteFrame(ctx context.Context, frame []byte) error
	// ReadFrame blocks until one complete frame body is available.
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
	RemoteAddr() string
}

// Listener accepts inbound client connections for one transport kind.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() string
}

// Kind identifies a transport variant.
type Kind int

const (
	KindTCP Kind = iota
	KindTCPTLS
	KindWebSocket
	KindWSS
)
