// Package actor implements the per-user presence inside a Stage and its per-Stage registry.
package actor

import "time"

// Actor is the per-user presence inside a Stage, linked to a client
// session. Ownership: each Actor is owned by exactly one Stage, which is
// its sole mutator — callers outside the owning Stage's event
// loop must never write to an Actor's fields directly.
type Actor struct {
	AccountID     int64
	SessionID     int64
	IsConnected   bool
	DisconnectedAt time.Time // zero value means "currently connected"

	// UserState holds the handler-defined per-actor state. The framework
	// never inspects it.
	UserState any
}

// MarkDisconnected records a network disconnect, leaving the Actor in
// place so a timely reconnect can resume it.
func (a *Actor) MarkDisconnected(at time.Time) {
	a.IsConnected = false
	a.DisconnectedAt = at
}

// MarkReconnected clears the disconnected marker on a resumed session.
func (a *Actor) MarkReconnected(sessionID int64) {
	a.SessionID = sessionID
	a.IsConnected = true
	a.DisconnectedAt = time.Time{}
}
