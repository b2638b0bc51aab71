package sender

import (
	"github.com/playhouse-dev/playhouse/packet"
	"github.com/playhouse-dev/playhouse/playhouseerr"
)

// ActorSender is the facade Actor-scoped handler code (e.g. inside
// OnDispatchActor) builds with NewActorSender. Reply reads the owning
// Stage's CurrentRequest, which is
// only ever written by that Stage's own worker goroutine — the facade
// itself carries no mutable state.
type ActorSender struct {
	facade
	accountID int64
}

// NewActorSender builds an ActorSender for accountID on stageID.
func NewActorSender(svc Services, stageID, accountID int64) ActorSender {
	return ActorSender{facade: facade{svc: svc, stageID: stageID}, accountID: accountID}
}

// AccountID returns the account this sender is bound to.
func (a ActorSender) AccountID() int64 { return a.accountID }

// Reply answers the client request currently being dispatched on this
// Stage with code and payload. A no-op if the current dispatch is not a
// pending request (e.g. called from a push handler or twice).
func (a ActorSender) Reply(code playhouseerr.Code, payload []byte) error {
	s, ok := a.svc.Stage(a.stageID)
	if !ok {
		return playhouseerr.New(playhouseerr.StageNotFound)
	}
	req := s.CurrentRequest
	// MsgSeq==0 is redundant with !Active given how dispatch.go derives
	// Active from Packet.IsRequest(), but kept as a direct belt-and-braces
	// check against the push/no-reply contract itself.
	if !req.Active || req.MsgSeq == 0 {
		return nil
	}
	s.CurrentRequest.Active = false
	reply := &packet.Packet{
		MsgID:     req.MsgID,
		MsgSeq:    req.MsgSeq,
		StageID:   s.StageID,
		ErrorCode: code,
		Payload:   payload,
	}
	return a.svc.SendToSession(req.SessionID, reply)
}

// Send pushes a fire-and-forget packet to this Actor's current session.
func (a ActorSender) Send(msgID string, payload []byte) error {
	s, ok := a.svc.Stage(a.stageID)
	if !ok {
		return playhouseerr.New(playhouseerr.StageNotFound)
	}
	act := s.Actors.Get(a.accountID)
	if act == nil {
		return playhouseerr.New(playhouseerr.StageNotFound)
	}
	p := &packet.Packet{MsgID: msgID, StageID: s.StageID, Payload: payload}
	return a.svc.SendToSession(act.SessionID, p)
}
