// Package s2s implements the node-to-node transport PlayHouse routes
// envelopes over: one persistent, reconnecting link per peer node, built
// the same way the CM client reconnects a dropped connection — a
// closeOnce/done-channel pair that cleanly restarts the read loop — but
// generalized into an automatic backoff loop suited to a long-lived mesh
// link instead of a caller-driven Reconnect call.
package s2s

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/playhouse-dev/playhouse/packet"
	"github.com/playhouse-dev/playhouse/playhouseerr"
	"github.com/playhouse-dev/playhouse/transport"
)

// Handler processes one inbound envelope. It runs on the link's own read
// goroutine; a router handler must hand off to the target Stage/Api
// worker rather than blocking here.
type Handler func(env *packet.Envelope)

const (
	minBackoff = 200 * time.Millisecond
	maxBackoff = 10 * time.Second
)

// Dialer opens an outbound connection to addr. Production wiring wraps
// transport.DialTCP (or transport.DialTCPTLS) in a closure that supplies
// the remaining arguments.
type Dialer func(ctx context.Context, addr string) (transport.Conn, error)

// handshakeMsgID tags the single envelope every newly dialed link sends
// before anything else, so the accepting side can learn which node just
// connected without a separate out-of-band identity exchange.
const handshakeMsgID = "__s2s_hello__"

// Transport owns every S2S link for one node.
type Transport struct {
	nodeID  string
	dialer  Dialer
	handler Handler
	logger  *slog.Logger

	mu    sync.RWMutex
	links map[string]*link
}

// New creates a Transport for nodeID. handler is invoked for every
// envelope received from any peer.
func New(nodeID string, dialer Dialer, handler Handler, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		nodeID:  nodeID,
		dialer:  dialer,
		handler: handler,
		logger:  logger,
		links:   make(map[string]*link),
	}
}

type link struct {
	nodeID string

	mu   sync.Mutex
	conn transport.Conn // nil while disconnected

	done chan struct{} // closed by Stop
}

// ConnectPeer starts (or restarts) a persistently-reconnecting outbound
// link to peer at addr. Safe to call once per peer at node startup.
func (t *Transport) ConnectPeer(peer, addr string) {
	t.mu.Lock()
	l, exists := t.links[peer]
	if !exists {
		l = &link{nodeID: peer, done: make(chan struct{})}
		t.links[peer] = l
	}
	t.mu.Unlock()
	if exists {
		return
	}
	go t.dialLoop(l, addr)
}

func (t *Transport) dialLoop(l *link, addr string) {
	backoff := minBackoff
	for {
		select {
		case <-l.done:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		conn, err := t.dialer(ctx, addr)
		cancel()
		if err != nil {
			t.logger.Warn("s2s dial failed", "peer", l.nodeID, "addr", addr, "err", err, "retryIn", backoff)
			select {
			case <-time.After(jitter(backoff)):
			case <-l.done:
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		hello, err := packet.EncodeEnvelope(&packet.Envelope{Kind: packet.EnvelopePush, SourceNodeID: t.nodeID, TargetNodeID: l.nodeID, MsgID: handshakeMsgID})
		if err != nil || conn.WriteFrame(context.Background(), hello) != nil {
			conn.Close()
			select {
			case <-time.After(jitter(backoff)):
			case <-l.done:
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = minBackoff
		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()
		t.logger.Info("s2s link up", "peer", l.nodeID, "addr", addr)

		t.readLoop(l, conn)

		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
	}
}

func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int64N(int64(d)))
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// AcceptInbound registers conn as the link for peerID (the identity the
// peer announced as the SourceNodeID of its first envelope) and runs its
// read loop until the connection drops. Call from the node's listener
// accept loop once the peer handshake resolves peerID.
func (t *Transport) AcceptInbound(peerID string, conn transport.Conn) {
	t.mu.Lock()
	l, exists := t.links[peerID]
	if !exists {
		l = &link{nodeID: peerID, done: make(chan struct{})}
		t.links[peerID] = l
	}
	t.mu.Unlock()

	l.mu.Lock()
	if l.conn != nil {
		l.conn.Close()
	}
	l.conn = conn
	l.mu.Unlock()

	if exists {
		return // outbound dialLoop for this peer already owns the retry cycle
	}
	go func() {
		t.readLoop(l, conn)
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
	}()
}

// ServeInbound accepts connections from ln until ctx is done, resolving
// each one's peer node id from its handshake envelope before handing it to
// AcceptInbound. Run this in its own goroutine for the node's S2S listener.
func (t *Transport) ServeInbound(ctx context.Context, ln transport.Listener) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("s2s accept failed", "err", err)
			continue
		}
		go t.acceptHandshake(conn)
	}
}

func (t *Transport) acceptHandshake(conn transport.Conn) {
	body, err := conn.ReadFrame(context.Background())
	if err != nil {
		conn.Close()
		return
	}
	env, err := packet.DecodeEnvelope(body)
	if err != nil || env.MsgID != handshakeMsgID || env.SourceNodeID == "" {
		t.logger.Warn("s2s inbound handshake failed", "err", err)
		conn.Close()
		return
	}
	t.AcceptInbound(env.SourceNodeID, conn)
}

func (t *Transport) readLoop(l *link, conn transport.Conn) {
	for {
		body, err := conn.ReadFrame(context.Background())
		if err != nil {
			conn.Close()
			return
		}
		env, err := packet.DecodeEnvelope(body)
		if err != nil {
			t.logger.Warn("s2s envelope decode failed", "peer", l.nodeID, "err", err)
			continue
		}
		t.handler(env)
	}
}

// Send encodes and writes env to the link for env.TargetNodeID, blocking
// until the write completes. Returns NodeUnreachable if no link is
// currently connected to that node.
func (t *Transport) Send(env *packet.Envelope) error {
	t.mu.RLock()
	l, ok := t.links[env.TargetNodeID]
	t.mu.RUnlock()
	if !ok {
		return playhouseerr.New(playhouseerr.NodeUnreachable)
	}

	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return playhouseerr.New(playhouseerr.NodeUnreachable)
	}

	body, err := packet.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return conn.WriteFrame(context.Background(), body)
}

// LocalNodeID returns the id this Transport was constructed with.
func (t *Transport) LocalNodeID() string { return t.nodeID }

// Connected reports whether a link to nodeID currently has a live
// connection, used by the router's health-gated load balancing.
func (t *Transport) Connected(nodeID string) bool {
	t.mu.RLock()
	l, ok := t.links[nodeID]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Stop tears down every link and halts reconnect attempts, for graceful
// node shutdown.
func (t *Transport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range t.links {
		close(l.done)
		l.mu.Lock()
		if l.conn != nil {
			l.conn.Close()
		}
		l.mu.Unlock()
	}
}
