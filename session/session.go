// Package session owns the client-facing connection lifecycle: framing is
// already handled by transport.Conn, so Session layers request/response
// codec, a heartbeat, idle-timeout detection and a single writer goroutine
// on top — the same read-loop/heartbeat-loop/done-channel shape the CM
// client uses for its own connection, mirrored here for the server side.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playhouse-dev/playhouse/packet"
	"github.com/playhouse-dev/playhouse/playhouseerr"
	"github.com/playhouse-dev/playhouse/transport"
)

// Bridge receives decoded client packets and session lifecycle events.
// Declared here (not imported from package bridge) so session has no
// dependency on bridge; bridge.Dispatcher implements this and imports
// *Session directly.
type Bridge interface {
	HandlePacket(s *Session, p *packet.Packet)
	OnSessionClosed(s *Session)
}

// Option configures Session construction.
type Option func(*Session)

// WithHeartbeat sets the interval the server pings an idle connection on
// and the duration without any inbound traffic from the client that
// closes it.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(s *Session) { s.heartbeatInterval, s.heartbeatTimeout = interval, timeout }
}

// WithSendBuffer sets the outbound queue depth; a Send that would exceed
// it closes the session rather than applying backpressure to the Stage
// that called it.
func WithSendBuffer(n int) Option {
	return func(s *Session) { s.sendBuf = n }
}

// WithCompressionThreshold sets the payload size above which outbound
// packets are LZ4-compressed.
func WithCompressionThreshold(n int) Option {
	return func(s *Session) { s.compressionThreshold = n }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultHeartbeatTimeout  = 45 * time.Second
	defaultSendBuffer        = 256
	heartbeatMsgID           = "__ping__"
)

// Session wraps one client connection. AccountID and StageID are set once
// authentication/join complete; both are plain atomics since a connection
// is read from (readLoop) and written to (writeLoop, Send callers) by
// different goroutines.
type Session struct {
	ID     int64
	conn   transport.Conn
	bridge Bridge

	accountID atomic.Int64
	stageID   atomic.Int64
	lastRecv  atomic.Int64 // unix nanoseconds

	heartbeatInterval     time.Duration
	heartbeatTimeout      time.Duration
	sendBuf               int
	compressionThreshold  int

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	logger *slog.Logger
}

// New constructs a Session over conn, not yet serving.
func New(id int64, conn transport.Conn, bridge Bridge, opts ...Option) *Session {
	s := &Session{
		ID:                   id,
		conn:                 conn,
		bridge:               bridge,
		heartbeatInterval:    defaultHeartbeatInterval,
		heartbeatTimeout:     defaultHeartbeatTimeout,
		sendBuf:              defaultSendBuffer,
		compressionThreshold: 0,
		done:                 make(chan struct{}),
		logger:               slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sendCh = make(chan []byte, s.sendBuf)
	s.lastRecv.Store(time.Now().UnixNano())
	return s
}

// AccountID returns the authenticated account bound to this session, or 0
// before authentication completes.
func (s *Session) AccountID() int64 { return s.accountID.Load() }

// SetAccountID binds this session to an authenticated account. Called
// exactly once by the lifecycle driver on successful authentication.
func (s *Session) SetAccountID(id int64) { s.accountID.Store(id) }

// StageID returns the Stage this session is currently joined to, or 0.
func (s *Session) StageID() int64 { return s.stageID.Load() }

// SetStageID records which Stage this session is currently joined to.
func (s *Session) SetStageID(id int64) { s.stageID.Store(id) }

// Serve runs the session's read loop and writer loop until the connection
// drops, ctx is cancelled, or Close is called. It always returns once the
// connection is fully torn down.
func (s *Session) Serve(ctx context.Context) error {
	s.wg.Add(3)
	go s.writeLoop()
	go s.heartbeatLoop()

	err := s.readLoop(ctx)

	s.Close()
	s.wg.Wait()
	s.bridge.OnSessionClosed(s)
	return err
}

func (s *Session) readLoop(ctx context.Context) error {
	defer s.wg.Done()
	for {
		body, err := s.conn.ReadFrame(ctx)
		if err != nil {
			return fmt.Errorf("session %d: read: %w", s.ID, err)
		}
		s.lastRecv.Store(time.Now().UnixNano())

		p, err := packet.DecodeRequest(body)
		if err != nil {
			s.logger.Warn("malformed request, closing session", "sessionId", s.ID, "err", err)
			return err
		}
		if p.MsgID == heartbeatMsgID {
			continue
		}
		if p.IsCompressed() {
			payload, err := packet.DecompressPayload(p)
			if err != nil {
				s.logger.Warn("decompress failed, closing session", "sessionId", s.ID, "err", err)
				return err
			}
			p.Payload = payload
		}
		s.bridge.HandlePacket(s, p)
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case frame, ok := <-s.sendCh:
			if !ok {
				return
			}
			if err := s.conn.WriteFrame(context.Background(), frame); err != nil {
				s.logger.Warn("write failed, closing session", "sessionId", s.ID, "err", err)
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastRecv.Load()))
			if idle >= s.heartbeatTimeout {
				s.logger.Info("session idle timeout", "sessionId", s.ID, "idle", idle)
				s.Close()
				return
			}
			_ = s.Send(&packet.Packet{MsgID: heartbeatMsgID})
		case <-s.done:
			return
		}
	}
}

// Send encodes p as a response/push frame and enqueues it for delivery.
// Returns Overloaded if the send buffer is full rather than blocking the
// caller (typically a Stage's own worker goroutine).
func (s *Session) Send(p *packet.Packet) error {
	payload := p.Payload
	originalSize := int32(0)
	if s.compressionThreshold > 0 {
		compressed, size, err := packet.Compress(p.Payload, s.compressionThreshold)
		if err != nil {
			return err
		}
		payload, originalSize = compressed, size
	}

	frame, err := packet.EncodeResponse(&packet.Packet{
		MsgID:        p.MsgID,
		MsgSeq:       p.MsgSeq,
		StageID:      p.StageID,
		ErrorCode:    p.ErrorCode,
		OriginalSize: originalSize,
		Payload:      payload,
	})
	if err != nil {
		return err
	}

	select {
	case s.sendCh <- frame:
		return nil
	default:
		s.Close()
		return playhouseerr.New(playhouseerr.Overloaded)
	}
}

// Close tears down the session's connection and loops exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
		close(s.sendCh)
	})
}

// Closed reports whether Close has run, for callers deciding whether a
// lingering reference (e.g. the losing side of a duplicate login) is still
// worth signaling.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
