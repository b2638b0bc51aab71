package sender

import (
	"github.com/playhouse-dev/playhouse/actor"
	"github.com/playhouse-dev/playhouse/packet"
	"github.com/playhouse-dev/playhouse/playhouseerr"
)

// StageSender is the facade stage code builds with NewStageSender for use
// in OnDispatchStage, OnPostCreate and timer callbacks — anywhere a Stage
// acts without a single bound Actor. It adds broadcast and a Reply for the
// StagePacket request currently being dispatched, since a StagePacket can
// itself be an S2S request awaiting a reply.
type StageSender struct {
	facade
}

// NewStageSender builds a StageSender bound to stageID.
func NewStageSender(svc Services, stageID int64) StageSender {
	return StageSender{facade{svc: svc, stageID: stageID}}
}

// StageID returns the Stage this sender is bound to, satisfying
// runtime.StageSenderHandle.
func (s StageSender) StageID() int64 { return s.stageID }

// Reply answers the StagePacket request currently being dispatched — an
// inter-Stage or Api call routed in via OnDispatchStage. A no-op if
// there's no pending request in flight.
func (s StageSender) Reply(code playhouseerr.Code, payload []byte) error {
	st, ok := s.svc.Stage(s.stageID)
	if !ok {
		return playhouseerr.New(playhouseerr.StageNotFound)
	}
	req := st.CurrentRequest
	if !req.Active || req.ReplyOrigin == nil {
		return nil
	}
	reply := &packet.Packet{
		MsgID:     req.MsgID,
		MsgSeq:    req.MsgSeq,
		StageID:   st.StageID,
		ErrorCode: code,
		Payload:   payload,
	}
	s.svc.ReplyOrigin(req.ReplyOrigin, reply)
	return nil
}

// BroadcastToActors pushes a packet to every joined Actor for which pred
// returns true (pred nil means "every Actor").
func (s StageSender) BroadcastToActors(msgID string, payload []byte, pred func(*actor.Actor) bool) {
	st, ok := s.svc.Stage(s.stageID)
	if !ok {
		return
	}
	p := &packet.Packet{MsgID: msgID, StageID: st.StageID, Payload: payload}
	send := func(a *actor.Actor) {
		if a.IsConnected {
			_ = s.svc.SendToSession(a.SessionID, p)
		}
	}
	if pred == nil {
		st.Actors.Each(send)
		return
	}
	st.Actors.Filtered(pred, send)
}
