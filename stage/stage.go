// Package stage implements the per-Stage lock-free single-writer event
// loop and the Stage/Actor lifecycle callbacks it dispatches into.
package stage

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/playhouse-dev/playhouse/actor"
	"github.com/playhouse-dev/playhouse/packet"
	"github.com/playhouse-dev/playhouse/playhouseerr"
)

// UserStage is the handler contract a registered stage type implements.
// Per the Design Notes' reflection-elimination guidance, instances are
// constructed by an explicit builder function (see StageBuilder in the
// runtime package) rather than discovered by reflection.
type UserStage interface {
	// OnCreate validates the creation packet. A non-Success return value
	// rejects creation: the Stage is never added to the pool.
	OnCreate(creationPacket *packet.Packet) playhouseerr.Code
	// OnPostCreate runs once the Stage is live in the pool, posted as the
	// Stage's own first queued item.
	OnPostCreate()

	// OnJoinStage validates a join attempt. A non-Success return rejects
	// the join and the Actor is not added.
	OnJoinStage(a *actor.Actor, joinPacket *packet.Packet) playhouseerr.Code
	// OnPostJoinStage runs immediately after a successful join.
	OnPostJoinStage(a *actor.Actor)
	// OnActorConnectionChanged fires on disconnect/reconnect and on the
	// losing side of a duplicate-login kick.
	OnActorConnectionChanged(a *actor.Actor, connected bool)
	// OnLeaveRoom fires when an Actor leaves (explicit Leave or eviction).
	OnLeaveRoom(a *actor.Actor, reason string)

	// OnDispatchActor handles one ClientPacket addressed to a joined Actor.
	OnDispatchActor(a *actor.Actor, p *packet.Packet)
	// OnDispatchStage handles one StagePacket addressed to the Stage
	// itself (no specific Actor), e.g. S2S requests from other Stages.
	OnDispatchStage(p *packet.Packet)

	// OnDestroy runs exactly once during Stage destruction.
	OnDestroy()
}

// RequestContext is the "current request context" used by Reply() calls
// made from inside a handler. Because a Stage's loop is a
// single goroutine, this can be a plain field on Stage rather than a
// thread-local: only the worker goroutine itself ever reads or writes it.
type RequestContext struct {
	SessionID int64
	AccountID int64
	MsgID     string
	MsgSeq    uint16
	Active    bool

	// ReplyOrigin is nil for a ClientPacket dispatch (ActorSender.Reply
	// answers via SessionID/MsgSeq). For a StagePacket dispatch that
	// originated as an inter-Stage or Api request, it carries an
	// opaque token the router knows how to resolve back to the caller
	// — a local RequestCache seq, or a remote node/seq pair.
	ReplyOrigin any
}

const defaultMaxQueueDepth = 10000

// Stage is a stateful game-room instance with a single-writer event loop.
type Stage struct {
	StageID   int64
	StageType string
	NodeID    string

	Actors *actor.Registry

	User UserStage

	mu            sync.Mutex
	queue         []RoutePacket
	maxQueueDepth int
	isProcessing  atomic.Bool
	closed        atomic.Bool

	// CurrentRequest is valid only while the worker goroutine is inside
	// dispatch() for a ClientPacket or StagePacket; ActorSender.Reply and
	// StageSender.Reply read it.
	CurrentRequest RequestContext

	logger *slog.Logger

	// onPanic is called (off the hot path) when user code panics;
	// tests can substitute a recorder. Defaults to logging via logger.
	onPanic func(r any)
}

// Option configures Stage construction.
type Option func(*Stage)

// WithMaxQueueDepth overrides the default queue cap.
func WithMaxQueueDepth(n int) Option {
	return func(s *Stage) { s.maxQueueDepth = n }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stage) { s.logger = l }
}

// New constructs a Stage. The caller (the runtime's CreateStage) is
// responsible for calling User.OnCreate before making the Stage visible
// to the router.
func New(stageID int64, stageType, nodeID string, user UserStage, opts ...Option) *Stage {
	s := &Stage{
		StageID:       stageID,
		StageType:     stageType,
		NodeID:        nodeID,
		Actors:        actor.NewRegistry(),
		User:          user,
		maxQueueDepth: defaultMaxQueueDepth,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.onPanic = func(r any) {
		s.logger.Error("stage handler panicked", "stageId", s.StageID, "recovered", r)
	}
	return s
}

// IsClosed reports whether Close has been called.
func (s *Stage) IsClosed() bool { return s.closed.Load() }

// Close marks the Stage closed — every subsequent Post is rejected with
// StageNotFound — then enqueues invoke as one final item so whatever is
// already queued still runs before it. Call this once, immediately before
// destruction, so an AsyncBlock callback that completes after Close can
// no longer land a Post (and thus can never run after OnDestroy): it is
// rejected instead. Bypasses maxQueueDepth since this item must never be
// dropped.
func (s *Stage) Close(invoke func()) {
	s.closed.Store(true)

	s.mu.Lock()
	s.queue = append(s.queue, RoutePacket{Kind: KindAsyncResult, Invoke: invoke})
	s.mu.Unlock()

	if s.isProcessing.CompareAndSwap(false, true) {
		go s.drain()
	}
}

// QueueDepth returns the current number of items waiting to be dispatched.
func (s *Stage) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// IsDraining reports whether a worker is currently executing this Stage's
// loop.
func (s *Stage) IsDraining() bool { return s.isProcessing.Load() }

// PostTimer satisfies timer.Poster: it wraps invoke in a Timer-kind
// RoutePacket and enqueues it.
func (s *Stage) PostTimer(stageID int64, invoke func()) error {
	return s.Post(RoutePacket{Kind: KindTimer, StageID: stageID, Invoke: invoke})
}

// Post enqueues p and, if this call wins the CAS race, starts a goroutine
// that drains the queue. The atomic CAS flag guarantees at most one goroutine
// processes this Stage's queue at a time, without holding a lock across
// user code.
//
// closed is checked under s.mu rather than before acquiring it: Close
// stores closed=true before it locks s.mu to append the destroy barrier,
// so any Post that acquires s.mu after Close has released it is
// guaranteed to observe closed==true and reject, instead of racing the
// barrier into the queue behind a stale pre-lock read.
func (s *Stage) Post(p RoutePacket) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return playhouseerr.New(playhouseerr.StageNotFound)
	}
	if len(s.queue) >= s.maxQueueDepth {
		s.mu.Unlock()
		return playhouseerr.New(playhouseerr.Overloaded)
	}
	s.queue = append(s.queue, p)
	s.mu.Unlock()

	if s.isProcessing.CompareAndSwap(false, true) {
		go s.drain()
	}
	return nil
}

// drain runs the single-writer loop:
//
//	repeat:
//	  while queue.tryDequeue(p): dispatch(p)
//	  isProcessing.set(false)
//	until queue.isEmpty and not isProcessing.compareAndSet(false,true)
func (s *Stage) drain() {
	for {
		for {
			p, ok := s.dequeue()
			if !ok {
				break
			}
			s.safeDispatch(p)
		}

		s.isProcessing.Store(false)

		s.mu.Lock()
		empty := len(s.queue) == 0
		s.mu.Unlock()
		if empty {
			return
		}
		if !s.isProcessing.CompareAndSwap(false, true) {
			return
		}
	}
}

func (s *Stage) dequeue() (RoutePacket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return RoutePacket{}, false
	}
	p := s.queue[0]
	s.queue = s.queue[1:]
	return p, true
}

// safeDispatch recovers from a handler panic so one misbehaving item
// never kills the Stage's worker goroutine.
func (s *Stage) safeDispatch(p RoutePacket) {
	defer func() {
		if r := recover(); r != nil {
			s.onPanic(r)
			s.replyInternalErrorOnPanic(p)
		}
	}()
	s.dispatch(p)
}

func (s *Stage) replyInternalErrorOnPanic(p RoutePacket) {
	// No InternalError reply is sent from here: a panicking request is
	// only logged, and its caller receives no reply for it. The request
	// context is cleared so a later Reply made outside this dispatch (e.g.
	// from a timer callback) is a no-op.
	s.CurrentRequest = RequestContext{}
	if p.Kind == KindClientPacket && p.Packet != nil && p.Packet.IsRequest() {
		s.logger.Error("internal error reply owed", "stageId", s.StageID, "msgId", p.Packet.MsgID, "msgSeq", p.Packet.MsgSeq)
	}
}
