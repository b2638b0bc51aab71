package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/playhouse-dev/playhouse/packet"
	"github.com/playhouse-dev/playhouse/playhouseerr"
	"github.com/playhouse-dev/playhouse/transport"
)

// Manager owns every live Session on this node and implements
// router.SessionDirectory so a reply produced anywhere in the routing
// fabric can find its way back to the right connection.
type Manager struct {
	bridge Bridge
	opts   []Option
	logger *slog.Logger

	nextID   atomic.Int64
	mu       sync.RWMutex
	sessions map[int64]*Session
}

// NewManager constructs a Manager that hands every accepted connection to
// bridge and applies opts to each Session it creates.
func NewManager(bridge Bridge, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bridge:   bridge,
		opts:     opts,
		logger:   logger,
		sessions: make(map[int64]*Session),
	}
}

// Accept wraps conn in a new Session, registers it, and runs Serve until
// the connection closes. Intended to be called in its own goroutine per
// accepted connection by the node's listener loop.
func (m *Manager) Accept(ctx context.Context, conn transport.Conn) {
	id := m.nextID.Add(1)
	s := New(id, conn, m, append(append([]Option(nil), m.opts...), WithLogger(m.logger))...)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if err := s.Serve(ctx); err != nil {
		m.logger.Debug("session ended", "sessionId", id, "err", err)
	}
}

// HandlePacket forwards a decoded client packet to the configured Bridge.
func (m *Manager) HandlePacket(s *Session, p *packet.Packet) {
	m.bridge.HandlePacket(s, p)
}

// OnSessionClosed removes the session from the registry and notifies the
// Bridge so it can clean up any Stage/Actor membership.
func (m *Manager) OnSessionClosed(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	m.bridge.OnSessionClosed(s)
}

// Send implements router.SessionDirectory: it looks up sessionID and
// writes p to it, returning SessionNotFound if the connection is gone.
func (m *Manager) Send(sessionID int64, p *packet.Packet) error {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return playhouseerr.New(playhouseerr.SessionNotFound)
	}
	if err := s.Send(p); err != nil {
		return fmt.Errorf("session %d: %w", sessionID, err)
	}
	return nil
}

// Get returns the live session for id, if any.
func (m *Manager) Get(sessionID int64) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Count returns the number of currently connected sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll closes every live session, used during node shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()
	for _, s := range sessions {
		s.Close()
	}
}
