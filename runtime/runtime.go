// Package runtime owns the live Stage pool for one node: it issues Stage
// ids, constructs Stages from registered builders, and tears them down.
// It is the non-owning-handle registry the sender and router packages
// dereference through at send time, rather than holding *Stage pointers
// directly — there is no global/package-level state; every component is
// reached through an explicit *Runtime value.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/playhouse-dev/playhouse/packet"
	"github.com/playhouse-dev/playhouse/playhouseerr"
	"github.com/playhouse-dev/playhouse/stage"
	"github.com/playhouse-dev/playhouse/timer"
)

// StageBuilder constructs a UserStage for stageType. sender is a handle
// bound to the not-yet-live Stage that exposes only its StageID; concrete
// builders close over it to address that Stage from inside their own
// callbacks.
type StageBuilder func(sender StageSenderHandle) stage.UserStage

// StageSenderHandle is the narrow view of sender.StageSender a StageBuilder
// needs; it's declared here (not imported from package sender) so runtime
// does not depend on sender. sender.StageSender satisfies it structurally.
type StageSenderHandle interface {
	StageID() int64
}

// Runtime is one node's live Stage pool plus the services every Stage
// needs (timers, queue-depth stats). Construct one per process with New;
// there is intentionally no package-level singleton.
type Runtime struct {
	NodeID string

	logger *slog.Logger
	timers *timer.Service

	nextStageID atomic.Int64

	mu       sync.RWMutex
	stages   map[int64]*stage.Stage
	builders map[string]StageBuilder

	maxQueueDepth int
}

// Option configures Runtime construction.
type Option func(*Runtime)

// WithLogger sets the structured logger used for pool-level events
// (stage create/destroy, overload).
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithMaxQueueDepth overrides the per-Stage queue cap applied to every
// Stage this Runtime creates.
func WithMaxQueueDepth(n int) Option {
	return func(r *Runtime) { r.maxQueueDepth = n }
}

// New constructs a Runtime for nodeID. The returned Runtime owns its own
// timer.Service, wired back to PostTimer on whichever Stage a firing
// targets.
func New(nodeID string, opts ...Option) *Runtime {
	r := &Runtime{
		NodeID:   nodeID,
		stages:   make(map[int64]*stage.Stage),
		builders: make(map[string]StageBuilder),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.timers = timer.New(posterFunc(r.postToStage))
	return r
}

// posterFunc adapts a plain function to timer.Poster.
type posterFunc func(stageID int64, invoke func()) error

func (f posterFunc) PostTimer(stageID int64, invoke func()) error { return f(stageID, invoke) }

func (r *Runtime) postToStage(stageID int64, invoke func()) error {
	s, ok := r.Stage(stageID)
	if !ok {
		return playhouseerr.New(playhouseerr.StageNotFound)
	}
	return s.PostTimer(stageID, invoke)
}

// Timers returns the Runtime's timer service, for components (e.g. a
// disconnect sweep, or sender's AddRepeatTimer) that need to schedule
// against it directly.
func (r *Runtime) Timers() *timer.Service { return r.timers }

// RegisterStageType associates stageType with the builder used to
// construct it. Call during node bootstrap, before CreateStage is used;
// not safe to call concurrently with CreateStage.
func (r *Runtime) RegisterStageType(stageType string, builder StageBuilder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[stageType] = builder
}

// NextStageID issues a fresh, node-unique Stage id.
func (r *Runtime) NextStageID() int64 {
	return r.nextStageID.Add(1)
}

// Stage looks up a live Stage by id. Callers must treat the returned
// pointer as read-only except via its own Post/exported methods — all
// mutation happens on the Stage's own worker goroutine.
func (r *Runtime) Stage(stageID int64) (*stage.Stage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stages[stageID]
	return s, ok
}

// LocalNodeID reports the node this Runtime belongs to, for router
// decisions that compare an envelope's target node against "self".
func (r *Runtime) LocalNodeID() string { return r.NodeID }

// CreateStage builds and registers a new Stage of stageType, running
// OnCreate synchronously before the Stage becomes visible to Stage/
// LocalNodeID lookups (so no packet can reach it mid-construction). A
// non-Success OnCreate result discards the Stage without registering it.
// On success OnPostCreate is posted as the Stage's first queue item.
func (r *Runtime) CreateStage(stageType string, stageID int64, creationPacket *packet.Packet) (playhouseerr.Code, error) {
	r.mu.RLock()
	builder, ok := r.builders[stageType]
	r.mu.RUnlock()
	if !ok {
		return playhouseerr.BadRequest, fmt.Errorf("runtime: no builder registered for stage type %q", stageType)
	}

	opts := []stage.Option{stage.WithLogger(r.logger)}
	if r.maxQueueDepth > 0 {
		opts = append(opts, stage.WithMaxQueueDepth(r.maxQueueDepth))
	}

	var s *stage.Stage
	handle := stageSenderHandleFunc(func() int64 { return stageID })
	user := builder(handle)
	s = stage.New(stageID, stageType, r.NodeID, user, opts...)

	if code := user.OnCreate(creationPacket); code != playhouseerr.Success {
		return code, nil
	}

	r.mu.Lock()
	r.stages[stageID] = s
	r.mu.Unlock()

	if err := s.Post(stage.RoutePacket{Kind: stage.KindAsyncResult, Invoke: user.OnPostCreate}); err != nil {
		r.logger.Warn("post-create enqueue failed", "stageId", stageID, "err", err)
	}
	return playhouseerr.Success, nil
}

type stageSenderHandleFunc func() int64

func (f stageSenderHandleFunc) StageID() int64 { return f() }

// DestroyStage cancels every timer owned by stageID, calls the user's
// OnDestroy exactly once, and removes the Stage from the pool. It is a
// no-op if stageID is not registered (tolerates a racing double-destroy).
func (r *Runtime) DestroyStage(stageID int64) {
	r.mu.Lock()
	s, ok := r.stages[stageID]
	if ok {
		delete(r.stages, stageID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.timers.CancelAllTimersForStage(stageID)

	// Close marks the Stage closed before its final item drains, so any
	// Post racing with destruction (e.g. an AsyncBlock callback landing
	// late) is rejected with StageNotFound instead of running after
	// OnDestroy below.
	done := make(chan struct{})
	s.Close(func() { close(done) })
	<-done
	s.User.OnDestroy()
}

// Stats is a point-in-time snapshot of one Stage's load, used by the
// router to report pool health and by a node's admin/metrics surface.
type Stats struct {
	StageID   int64
	StageType string
	QueueSize int
	Draining  bool
	Actors    int
}

// StatsFor returns a load snapshot for stageID.
func (r *Runtime) StatsFor(stageID int64) (Stats, bool) {
	s, ok := r.Stage(stageID)
	if !ok {
		return Stats{}, false
	}
	return Stats{
		StageID:   s.StageID,
		StageType: s.StageType,
		QueueSize: s.QueueDepth(),
		Draining:  s.IsDraining(),
		Actors:    s.Actors.Len(),
	}, true
}

// AllStats snapshots every live Stage, for a periodic admin/metrics dump.
func (r *Runtime) AllStats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stats, 0, len(r.stages))
	for _, s := range r.stages {
		out = append(out, Stats{
			StageID:   s.StageID,
			StageType: s.StageType,
			QueueSize: s.QueueDepth(),
			Draining:  s.IsDraining(),
			Actors:    s.Actors.Len(),
		})
	}
	return out
}

// Shutdown destroys every live Stage, honoring ctx's deadline: if ctx is
// cancelled before a Stage's own destroy completes, Shutdown moves on and
// reports the remaining count rather than blocking forever on a wedged
// handler.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.stages))
	for id := range r.stages {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	var finished atomic.Int64
	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.DestroyStage(id)
			finished.Add(1)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		remaining := int64(len(ids)) - finished.Load()
		return fmt.Errorf("runtime: shutdown deadline exceeded with %d stage(s) still destroying: %w", remaining, ctx.Err())
	}
}
