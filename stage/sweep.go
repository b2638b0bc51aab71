package stage

import (
	"time"

	"github.com/playhouse-dev/playhouse/actor"
	"github.com/playhouse-dev/playhouse/timer"
)

// StartDisconnectSweep schedules a repeating timer (driven by svc) that
// evicts actors whose DisconnectedAt is older than grace, so a lobby-style
// Stage can reclaim seats abandoned by a disconnect that never reconnects.
// Returns the timer id so callers can cancel it early; Stage destruction
// cancels it anyway via svc.CancelAllTimersForStage.
func (s *Stage) StartDisconnectSweep(svc *timer.Service, grace, interval time.Duration) int64 {
	return svc.AddRepeatTimer(s.StageID, interval, interval, func(tick int) {
		s.sweepDisconnected(grace)
	})
}

func (s *Stage) sweepDisconnected(grace time.Duration) {
	if s.closed.Load() {
		return
	}

	now := time.Now()
	var stale []*actor.Actor
	s.Actors.Filtered(
		func(a *actor.Actor) bool {
			return !a.IsConnected && !a.DisconnectedAt.IsZero() && now.Sub(a.DisconnectedAt) >= grace
		},
		func(a *actor.Actor) { stale = append(stale, a) },
	)

	for _, a := range stale {
		s.Actors.Remove(a.AccountID)
		s.User.OnLeaveRoom(a, "disconnect_sweep_timeout")
	}
}
