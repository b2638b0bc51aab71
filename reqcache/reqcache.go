// Package reqcache implements the pending-reply correlation table used by
// both client→server and S2S calls: a reusable, thread-safe component with
// per-entry timeouts for resolving a reply to the request that awaits it.
package reqcache

import (
	"sync"
	"time"

	"github.com/playhouse-dev/playhouse/playhouseerr"
)

// Resolver receives the outcome of a pending request exactly once: either
// reply is non-nil (success/application error carried in the reply
// itself) or err is non-nil (Timeout, Disconnected, NodeUnreachable, ...).
type Resolver func(reply any, err error)

type entry struct {
	resolver Resolver
	timer    *time.Timer
	done     bool
}

// Cache maps msgSeq -> pending request, refusing duplicate registration
// and resolving every entry exactly once.
type Cache struct {
	mu      sync.Mutex
	entries map[uint16]*entry
	nextSeq uint16 // cycles in [1, 65535], skips 0
}

// New creates an empty RequestCache.
func New() *Cache {
	return &Cache{entries: make(map[uint16]*entry)}
}

// NextSeq allocates the next sequence number, skipping the reserved push
// value 0 and wrapping from 65535 back to 1.
func (c *Cache) NextSeq() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSeq++
	if c.nextSeq == 0 {
		c.nextSeq = 1
	}
	return c.nextSeq
}

// ErrCacheFull is returned by Register when all 65535 sequence slots are
// occupied by outstanding requests, and also when the seq being registered
// is already pending.
var ErrCacheFull = &playhouseerr.Error{Code: playhouseerr.InternalError}

// Register installs resolver for seq with the given timeout, returning an
// error if seq is already pending (impossible under normal sequencing
// rules, but checked defensively) or the table is full.
func (c *Cache) Register(seq uint16, timeout time.Duration, resolver Resolver) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[seq]; exists {
		return ErrCacheFull
	}
	if len(c.entries) >= 65535 {
		return ErrCacheFull
	}

	e := &entry{resolver: resolver}
	e.timer = time.AfterFunc(timeout, func() { c.timeoutSeq(seq) })
	c.entries[seq] = e
	return nil
}

// Complete resolves seq with a successful reply, removing it from the
// table. A no-op if seq isn't pending (already resolved or never
// registered).
func (c *Cache) Complete(seq uint16, reply any) {
	c.resolve(seq, reply, nil)
}

// Fail resolves seq with err, removing it from the table.
func (c *Cache) Fail(seq uint16, err error) {
	c.resolve(seq, nil, err)
}

// FailAll resolves every currently-pending entry with err — used on
// session/S2S-connection loss.
func (c *Cache) FailAll(err error) {
	c.mu.Lock()
	seqs := make([]uint16, 0, len(c.entries))
	for seq := range c.entries {
		seqs = append(seqs, seq)
	}
	c.mu.Unlock()

	for _, seq := range seqs {
		c.resolve(seq, nil, err)
	}
}

func (c *Cache) resolve(seq uint16, reply any, err error) {
	c.mu.Lock()
	e, ok := c.entries[seq]
	if !ok || e.done {
		c.mu.Unlock()
		return
	}
	e.done = true
	e.timer.Stop()
	delete(c.entries, seq)
	c.mu.Unlock()

	e.resolver(reply, err)
}

func (c *Cache) timeoutSeq(seq uint16) {
	c.resolve(seq, nil, playhouseerr.New(playhouseerr.Timeout))
}

// Len reports the number of currently-pending requests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
