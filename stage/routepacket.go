package stage

import (
	"github.com/playhouse-dev/playhouse/packet"
)

// Kind identifies the variety of item flowing through a Stage's queue.
type Kind int

const (
	KindClientPacket Kind = iota
	KindStagePacket
	KindTimer
	KindAsyncResult
)

func (k Kind) String() string {
	switch k {
	case KindClientPacket:
		return "ClientPacket"
	case KindStagePacket:
		return "StagePacket"
	case KindTimer:
		return "Timer"
	case KindAsyncResult:
		return "AsyncResult"
	default:
		return "Unknown"
	}
}

// RoutePacket is the internal envelope delivered to a Stage's event loop.
// ClientPacket/StagePacket carry a decoded Packet; Timer and
// AsyncResult carry a zero-argument Invoke closure capturing whatever
// state the timer service or a resolved Future needs.
type RoutePacket struct {
	Kind      Kind
	StageID   int64
	AccountID int64 // meaningful for KindClientPacket
	Packet    *packet.Packet

	// ReplyOrigin is meaningful for KindStagePacket only: see
	// RequestContext.ReplyOrigin.
	ReplyOrigin any

	// Invoke runs a Timer callback or an AsyncResult's postCallback(value)
	// inside the Stage's single-writer loop.
	Invoke func()
}
