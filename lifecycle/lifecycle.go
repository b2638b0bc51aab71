// Package lifecycle drives the state machine binding one client Session to
// an Actor inside a Stage: connect, authenticate, join, disconnect/
// reconnect, leave. It runs the handful of steps that must happen exactly
// once and in order, posting into the target Stage's single-writer loop
// for anything that touches Actor state.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/playhouse-dev/playhouse/actor"
	"github.com/playhouse-dev/playhouse/packet"
	"github.com/playhouse-dev/playhouse/playhouseerr"
	"github.com/playhouse-dev/playhouse/session"
	"github.com/playhouse-dev/playhouse/stage"
)

// State is a Session's position in the connect/authenticate/join state
// machine.
type State int

const (
	StateUnauthenticated State = iota
	StateConnectedUnauth
	StateAuthInFlight
	StateAuthenticated
	StateJoined
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "Unauthenticated"
	case StateConnectedUnauth:
		return "ConnectedUnauth"
	case StateAuthInFlight:
		return "AuthInFlight"
	case StateAuthenticated:
		return "Authenticated"
	case StateJoined:
		return "Joined"
	case StateRemoved:
		return "Removed"
	default:
		return "Unknown"
	}
}

// Authenticator validates the first post-connect request and resolves it
// to an account. Supplied by the embedding application; the framework
// never interprets payload bytes itself.
type Authenticator func(ctx context.Context, p *packet.Packet) (accountID int64, code playhouseerr.Code)

// StageLocator finds a live Stage by id. *runtime.Runtime satisfies this.
type StageLocator interface {
	Stage(stageID int64) (*stage.Stage, bool)
}

// SessionLookup finds a live Session by id, used to kick the losing side
// of a duplicate login. *session.Manager satisfies this.
type SessionLookup interface {
	Get(sessionID int64) (*session.Session, bool)
}

type pendingJoin struct {
	stageID   int64
	stageType string
}

type sessionEntry struct {
	state   State
	pending *pendingJoin
}

// Driver owns the per-session state machine. One Driver per node; both
// Play-node roles (client bridge and reconnect handling) share it.
type Driver struct {
	stages   StageLocator
	sessions SessionLookup
	authFn   Authenticator

	authMsgID        string
	defaultStageType string

	logger *slog.Logger

	mu      sync.Mutex
	entries map[int64]*sessionEntry
}

// Option configures Driver construction.
type Option func(*Driver)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// New constructs a Driver. authMsgID is the MsgId expected as the first
// request on a freshly connected, unauthenticated session; defaultStageType
// is used when ConnectAsync omits a type.
func New(stages StageLocator, sessions SessionLookup, authenticate Authenticator, authMsgID, defaultStageType string, opts ...Option) *Driver {
	d := &Driver{
		stages:           stages,
		sessions:         sessions,
		authFn:           authenticate,
		authMsgID:        authMsgID,
		defaultStageType: defaultStageType,
		logger:           slog.Default(),
		entries:          make(map[int64]*sessionEntry),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) entry(sessionID int64) *sessionEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[sessionID]
	if !ok {
		e = &sessionEntry{state: StateUnauthenticated}
		d.entries[sessionID] = e
	}
	return e
}

// State reports sessionID's current position in the state machine.
func (d *Driver) State(sessionID int64) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[sessionID]
	if !ok {
		return StateUnauthenticated
	}
	return e.state
}

// ConnectAsync records the Stage a freshly connected session intends to
// join once authenticated, advancing Unauthenticated to ConnectedUnauth.
// An empty stageType falls back to defaultStageType.
func (d *Driver) ConnectAsync(sessionID, stageID int64, stageType string) {
	if stageType == "" {
		stageType = d.defaultStageType
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[sessionID]
	if !ok {
		e = &sessionEntry{}
		d.entries[sessionID] = e
	}
	e.state = StateConnectedUnauth
	e.pending = &pendingJoin{stageID: stageID, stageType: stageType}
}

// IsAuthMessage reports whether p is the authentication request this
// session is currently expected to send — the bridge uses this to decide
// whether to route a packet through the lifecycle driver or to the target
// Stage directly.
func (d *Driver) IsAuthMessage(sessionID int64, p *packet.Packet) bool {
	if p.MsgID != d.authMsgID {
		return false
	}
	st := d.State(sessionID)
	return st == StateUnauthenticated || st == StateConnectedUnauth
}

// Authenticate runs the configured Authenticator for p, then — on success —
// joins the Stage recorded by ConnectAsync, if any. It sends nothing to
// the client itself: the returned Code is the outcome the caller should
// reply with, covering both authentication and the Stage join (StageNotFound/
// WrongStageType and OnJoinStage rejections are all reported here, never
// panicked).
func (d *Driver) Authenticate(ctx context.Context, sess *session.Session, p *packet.Packet) playhouseerr.Code {
	e := d.entry(sess.ID)
	d.mu.Lock()
	e.state = StateAuthInFlight
	pending := e.pending
	d.mu.Unlock()

	accountID, code := d.authFn(ctx, p)
	if code != playhouseerr.Success {
		d.mu.Lock()
		e.state = StateUnauthenticated
		d.mu.Unlock()
		return code
	}

	sess.SetAccountID(accountID)
	d.mu.Lock()
	e.state = StateAuthenticated
	d.mu.Unlock()

	if pending == nil {
		return playhouseerr.Success
	}
	joinCode, err := d.Join(ctx, sess, pending.stageID, pending.stageType, p)
	if err != nil {
		d.logger.Warn("post-auth join failed", "sessionId", sess.ID, "stageId", pending.stageID, "err", err)
	}
	return joinCode
}

// Join attempts to add sess's account as an Actor in stageID, enforcing
// WrongStageType and the DuplicateLogin eviction policy. The Actor mutation
// itself runs on stageID's own worker goroutine; Join blocks until that
// closure completes or ctx is done.
func (d *Driver) Join(ctx context.Context, sess *session.Session, stageID int64, stageType string, joinPacket *packet.Packet) (playhouseerr.Code, error) {
	st, ok := d.stages.Stage(stageID)
	if !ok {
		return playhouseerr.StageNotFound, nil
	}
	if stageType != "" && st.StageType != stageType {
		return playhouseerr.WrongStageType, nil
	}

	resCh := make(chan playhouseerr.Code, 1)
	err := st.Post(stage.RoutePacket{
		Kind: stage.KindAsyncResult,
		Invoke: func() {
			resCh <- d.joinOnStageLoop(st, sess, joinPacket)
		},
	})
	if err != nil {
		return playhouseerr.StageNotFound, fmt.Errorf("lifecycle: post join to stage %d: %w", stageID, err)
	}

	select {
	case code := <-resCh:
		if code == playhouseerr.Success {
			sess.SetStageID(stageID)
			e := d.entry(sess.ID)
			d.mu.Lock()
			e.state = StateJoined
			e.pending = nil
			d.mu.Unlock()
		}
		return code, nil
	case <-ctx.Done():
		return playhouseerr.Timeout, ctx.Err()
	}
}

// joinOnStageLoop runs entirely inside st's worker goroutine: it is the
// only place an Actor is added to st.Actors, so no locking is needed here
// beyond what Stage's single-writer loop already guarantees.
//
// An existing, already-disconnected Actor for this account is a resume:
// the lingering Actor is reused and OnJoinStage does not run again. An
// existing, still-connected Actor is a duplicate login: the old session is
// kicked and a fresh OnJoinStage runs for the new one.
func (d *Driver) joinOnStageLoop(st *stage.Stage, sess *session.Session, joinPacket *packet.Packet) playhouseerr.Code {
	if old := st.Actors.Get(sess.AccountID()); old != nil {
		if !old.IsConnected {
			old.MarkReconnected(sess.ID)
			st.User.OnActorConnectionChanged(old, true)
			return playhouseerr.Success
		}

		st.User.OnActorConnectionChanged(old, false)
		st.User.OnLeaveRoom(old, "duplicate login")
		st.Actors.Remove(old.AccountID)
		if oldSess, ok := d.sessions.Get(old.SessionID); ok && oldSess.ID != sess.ID {
			oldSess.Close()
		}
	}

	a := &actor.Actor{AccountID: sess.AccountID(), SessionID: sess.ID, IsConnected: true}
	code := st.User.OnJoinStage(a, joinPacket)
	if code != playhouseerr.Success {
		return code
	}
	st.Actors.Add(a)
	st.User.OnPostJoinStage(a)
	return playhouseerr.Success
}

// Disconnect marks sess's Actor (if joined) as disconnected without
// removing it, so a timely reconnect can resume it; the disconnect sweep
// (stage.StartDisconnectSweep) is responsible for eventual eviction.
func (d *Driver) Disconnect(sess *session.Session) {
	st, ok := d.stages.Stage(sess.StageID())
	if !ok {
		return
	}
	accountID := sess.AccountID()
	_ = st.Post(stage.RoutePacket{
		Kind: stage.KindAsyncResult,
		Invoke: func() {
			a := st.Actors.Get(accountID)
			if a == nil || !a.IsConnected {
				return
			}
			a.MarkDisconnected(time.Now())
			st.User.OnActorConnectionChanged(a, false)
		},
	})
}

// Reconnect resumes a disconnected Actor under a new session for the same
// account, leaving it joined to the same Stage it was in before.
func (d *Driver) Reconnect(sess *session.Session, stageID int64) playhouseerr.Code {
	st, ok := d.stages.Stage(stageID)
	if !ok {
		return playhouseerr.StageNotFound
	}
	resCh := make(chan playhouseerr.Code, 1)
	err := st.Post(stage.RoutePacket{
		Kind: stage.KindAsyncResult,
		Invoke: func() {
			a := st.Actors.Get(sess.AccountID())
			if a == nil {
				resCh <- playhouseerr.StageNotFound
				return
			}
			a.MarkReconnected(sess.ID)
			st.User.OnActorConnectionChanged(a, true)
			resCh <- playhouseerr.Success
		},
	})
	if err != nil {
		return playhouseerr.StageNotFound
	}
	code := <-resCh
	if code == playhouseerr.Success {
		sess.SetStageID(stageID)
		e := d.entry(sess.ID)
		d.mu.Lock()
		e.state = StateJoined
		d.mu.Unlock()
	}
	return code
}

// Leave removes sess's Actor from its Stage for reason, firing OnLeaveRoom
// and retiring the session's lifecycle entry.
func (d *Driver) Leave(sess *session.Session, reason string) {
	st, ok := d.stages.Stage(sess.StageID())
	if !ok {
		return
	}
	accountID := sess.AccountID()
	_ = st.Post(stage.RoutePacket{
		Kind: stage.KindAsyncResult,
		Invoke: func() {
			a := st.Actors.Get(accountID)
			if a == nil {
				return
			}
			st.User.OnLeaveRoom(a, reason)
			st.Actors.Remove(accountID)
		},
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[sess.ID]; ok {
		e.state = StateRemoved
	}
}

// Forget drops sessionID's lifecycle entry entirely, called once its
// Session has fully closed.
func (d *Driver) Forget(sessionID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, sessionID)
}
