package actor

// Registry is a per-Stage AccountId→Actor map. It is mutated only by the
// owning Stage's single-writer worker, so no locking is needed here.
type Registry struct {
	byAccount map[int64]*Actor
}

// NewRegistry creates an empty actor registry.
func NewRegistry() *Registry {
	return &Registry{byAccount: make(map[int64]*Actor)}
}

// Add registers a newly-joined Actor. It replaces any previous Actor
// already registered under the same AccountID (duplicate-login handling
// is the caller's — the lifecycle driver's — responsibility: evict the old
// Actor first).
func (r *Registry) Add(a *Actor) {
	r.byAccount[a.AccountID] = a
}

// Remove deletes the Actor for accountID, if any.
func (r *Registry) Remove(accountID int64) {
	delete(r.byAccount, accountID)
}

// Get returns the Actor for accountID, or nil if absent.
func (r *Registry) Get(accountID int64) *Actor {
	return r.byAccount[accountID]
}

// Has reports whether accountID currently has a registered Actor.
func (r *Registry) Has(accountID int64) bool {
	_, ok := r.byAccount[accountID]
	return ok
}

// Len returns the number of registered actors.
func (r *Registry) Len() int {
	return len(r.byAccount)
}

// Each calls fn once for every registered Actor, in unspecified order.
// fn must not mutate the registry.
func (r *Registry) Each(fn func(*Actor)) {
	for _, a := range r.byAccount {
		fn(a)
	}
}

// Filtered calls fn only for actors for which pred returns true. Used by
// StageSender.BroadcastToActors and by the disconnect sweep.
func (r *Registry) Filtered(pred func(*Actor) bool, fn func(*Actor)) {
	for _, a := range r.byAccount {
		if pred(a) {
			fn(a)
		}
	}
}
