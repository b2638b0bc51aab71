package sender

import (
	"github.com/playhouse-dev/playhouse/packet"
	"github.com/playhouse-dev/playhouse/playhouseerr"
)

// ApiReplier delivers an ApiSender's Reply back to whichever node sent
// the request. The apihost package implements this by routing through
// the same S2S connection the request arrived on.
type ApiReplier interface {
	ReplyEnvelope(sourceNodeID string, sourceStageID int64, reply *packet.Packet) error
}

// ApiSender is handed to an Api controller handler for the lifetime of
// one inbound request. Unlike ActorSender/StageSender it is not bound to
// a local Stage: Api controllers are stateless, so the facade only needs
// enough to reply and to call other Stages/services on the caller's
// behalf.
type ApiSender struct {
	facade
	replier      ApiReplier
	sourceNodeID string
	msgID        string
	msgSeq       uint16
}

// NewApiSender builds an ApiSender for one inbound request. sourceStageID
// (embedded in facade) lets RequestToStage/SendToStage calls made from
// inside the handler report a sensible origin for logging, even though an
// Api controller owns no Stage of its own.
func NewApiSender(svc Services, replier ApiReplier, sourceNodeID string, sourceStageID int64, msgID string, msgSeq uint16) ApiSender {
	return ApiSender{
		facade:       facade{svc: svc, stageID: sourceStageID},
		replier:      replier,
		sourceNodeID: sourceNodeID,
		msgID:        msgID,
		msgSeq:       msgSeq,
	}
}

// Reply answers the inbound request with code and payload. A no-op for a
// push (fire-and-forget) request, which carries msgSeq==0 and so has no
// reply to resolve.
func (a ApiSender) Reply(code playhouseerr.Code, payload []byte) error {
	if a.msgSeq == 0 {
		return nil
	}
	reply := &packet.Packet{
		MsgID:     a.msgID,
		MsgSeq:    a.msgSeq,
		ErrorCode: code,
		Payload:   payload,
	}
	return a.replier.ReplyEnvelope(a.sourceNodeID, a.stageID, reply)
}
