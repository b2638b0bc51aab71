// Package timer implements the repeat/count timer service.
// Timer firings never run on their own goroutine's stack directly into
// user code: they enqueue a RoutePacket onto the target Stage's queue so
// the callback executes inside that Stage's single-writer loop.
package timer

import (
	"sync"
	"sync/atomic"
	"time"
)

// RoutePacket is the minimal shape timer needs to hand off to a Stage; it
// mirrors stage.RoutePacket's Timer variant without importing the stage
// package (which would create an import cycle, since stage also needs to
// schedule timers on itself for the disconnect sweep).
type RoutePacket struct {
	Kind    string // always "Timer"
	StageID int64
	Invoke  func()
}

// Poster is satisfied by *stage.Stage: anything that can accept a
// RoutePacket-shaped timer firing onto its queue.
type Poster interface {
	PostTimer(stageID int64, invoke func()) error
}

type kind int

const (
	kindRepeat kind = iota
	kindCount
)

type timerEntry struct {
	id        int64
	stageID   int64
	kind      kind
	period    time.Duration
	remaining int // only meaningful for kindCount; -1 means infinite (Repeat)
	tick      int
	callback  func(tick int)
	ticker    *time.Timer
	cancelled atomic.Bool
}

// Service manages every timer for one node, dispatching firings back into
// the owning Stage's loop via Poster.
type Service struct {
	poster Poster

	mu      sync.Mutex
	nextID  atomic.Int64
	entries map[int64]*timerEntry
	byStage map[int64]map[int64]struct{}
}

// New creates a timer Service bound to poster (typically the Runtime's own
// adapter, which looks up a Stage by id and calls its PostTimer).
func New(poster Poster) *Service {
	return &Service{
		poster:  poster,
		entries: make(map[int64]*timerEntry),
		byStage: make(map[int64]map[int64]struct{}),
	}
}

// AddRepeatTimer schedules callback to fire every period, starting after
// initialDelay, until CancelTimer or CancelAllTimersForStage is called.
func (s *Service) AddRepeatTimer(stageID int64, initialDelay, period time.Duration, callback func(tick int)) int64 {
	return s.add(stageID, kindRepeat, initialDelay, period, -1, callback)
}

// AddCountTimer schedules callback to fire count times, each at or after
// its scheduled moment; drift under load is never "caught up".
func (s *Service) AddCountTimer(stageID int64, initialDelay, period time.Duration, count int, callback func(tick int)) int64 {
	return s.add(stageID, kindCount, initialDelay, period, count, callback)
}

func (s *Service) add(stageID int64, k kind, initialDelay, period time.Duration, count int, callback func(tick int)) int64 {
	id := s.nextID.Add(1)
	e := &timerEntry{
		id:        id,
		stageID:   stageID,
		kind:      k,
		period:    period,
		remaining: count,
		callback:  callback,
	}

	s.mu.Lock()
	s.entries[id] = e
	if s.byStage[stageID] == nil {
		s.byStage[stageID] = make(map[int64]struct{})
	}
	s.byStage[stageID][id] = struct{}{}
	s.mu.Unlock()

	e.ticker = time.AfterFunc(initialDelay, func() { s.fire(e) })
	return id
}

func (s *Service) fire(e *timerEntry) {
	if e.cancelled.Load() {
		return
	}

	e.tick++
	tick := e.tick

	err := s.poster.PostTimer(e.stageID, func() { e.callback(tick) })
	if err != nil {
		// Stage is gone or overloaded; stop rescheduling.
		s.CancelTimer(e.id)
		return
	}

	switch e.kind {
	case kindRepeat:
		e.ticker.Reset(e.period)
	case kindCount:
		if e.tick >= e.remaining {
			s.CancelTimer(e.id)
			return
		}
		e.ticker.Reset(e.period)
	}
}

// CancelTimer prevents further firings of id. Already-enqueued firings
// (Stage queue items) may still be drained; callbacks must tolerate a
// Stage that has since closed.
func (s *Service) CancelTimer(id int64) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
		if set := s.byStage[e.stageID]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(s.byStage, e.stageID)
			}
		}
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	e.cancelled.Store(true)
	e.ticker.Stop()
}

// CancelAllTimersForStage cancels every timer owned by stageID. Invoked
// exactly once on Stage destruction.
func (s *Service) CancelAllTimersForStage(stageID int64) {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.byStage[stageID]))
	for id := range s.byStage[stageID] {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.CancelTimer(id)
	}
}
