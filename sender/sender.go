// Package sender implements the facade types handler code calls to reply
// to the current request, push unsolicited packets, call other Stages and
// Api services, and schedule timers. Per the Design Notes' guidance to
// replace cyclic ownership with non-owning id handles, every facade holds
// only ids (StageID, AccountID, ServiceID) plus a Services handle it
// dereferences through at call time — never a *stage.Stage or *actor.Actor
// pointer captured across a yield point.
package sender

import (
	"context"
	"time"

	"github.com/playhouse-dev/playhouse/packet"
	"github.com/playhouse-dev/playhouse/playhouseerr"
	"github.com/playhouse-dev/playhouse/stage"
)

// Services is the full set of cross-cutting operations a facade needs.
// It is declared here, not imported from package runtime, so that sender
// has no dependency on runtime or router; *router.Router satisfies it
// structurally without router importing sender either. Production code
// wires a *router.Router (which embeds a *runtime.Runtime) as the
// concrete implementation.
type Services interface {
	// Stage looks up a live local Stage by id.
	Stage(stageID int64) (*stage.Stage, bool)
	// LocalNodeID reports the node hosting this Services instance.
	LocalNodeID() string

	// SendToSession delivers p unchanged (MsgSeq included, so it carries
	// both replies and pushes) to the client owning sessionID, if that
	// session is connected to this node.
	SendToSession(sessionID int64, p *packet.Packet) error

	// SendToStage delivers p as a StagePacket to stageID, local or remote.
	SendToStage(nodeID string, stageID, sourceStageID int64, p *packet.Packet) error
	// RequestToStage is SendToStage plus a correlated reply, resolved or
	// timed out via the sending node's RequestCache.
	RequestToStage(ctx context.Context, nodeID string, stageID, sourceStageID int64, p *packet.Packet, timeout time.Duration) (*packet.Packet, error)

	// SendToApi delivers p to any healthy node hosting serviceID.
	SendToApi(serviceID uint16, sourceStageID int64, p *packet.Packet) error
	// RequestToApi is SendToApi plus a correlated reply.
	RequestToApi(ctx context.Context, serviceID uint16, sourceStageID int64, p *packet.Packet, timeout time.Duration) (*packet.Packet, error)

	// CreateStage instantiates a new Stage of stageType, local or remote
	// depending on the implementation's placement policy.
	CreateStage(nodeID, stageType string, stageID int64, creationPacket *packet.Packet) (playhouseerr.Code, error)
	// CloseStage requests destruction of stageID.
	CloseStage(nodeID string, stageID int64) error

	// ReplyOrigin resolves a StagePacket request's reply back to whatever
	// sent it (a local RequestToStage/RequestToApi caller, or a remote
	// node's RequestCache over S2S), using the opaque token the router
	// attached when it dispatched the original request.
	ReplyOrigin(origin any, reply *packet.Packet)

	AddRepeatTimer(stageID int64, initialDelay, period time.Duration, callback func(tick int)) int64
	AddCountTimer(stageID int64, initialDelay, period time.Duration, count int, callback func(tick int)) int64
	CancelTimer(id int64)
}

// facade holds the pieces shared by ActorSender, StageSender and ApiSender.
type facade struct {
	svc     Services
	stageID int64
}

// RequestToStage calls a handler on another Stage and blocks for its
// reply. Safe to call from inside a dispatch callback: the call runs on
// this Stage's own worker goroutine, so only this Stage stalls while
// waiting — other Stages keep processing.
func (f facade) RequestToStage(ctx context.Context, nodeID string, stageID int64, p *packet.Packet, timeout time.Duration) (*packet.Packet, error) {
	return f.svc.RequestToStage(ctx, nodeID, stageID, f.stageID, p, timeout)
}

// SendToStage pushes p to stageID without waiting for a reply.
func (f facade) SendToStage(nodeID string, stageID int64, p *packet.Packet) error {
	return f.svc.SendToStage(nodeID, stageID, f.stageID, p)
}

// RequestToApi calls a stateless Api controller and blocks for its reply.
func (f facade) RequestToApi(ctx context.Context, serviceID uint16, p *packet.Packet, timeout time.Duration) (*packet.Packet, error) {
	return f.svc.RequestToApi(ctx, serviceID, f.stageID, p, timeout)
}

// SendToApi pushes p to any node hosting serviceID without waiting.
func (f facade) SendToApi(serviceID uint16, p *packet.Packet) error {
	return f.svc.SendToApi(serviceID, f.stageID, p)
}

// CreateStage instantiates a new Stage of stageType on nodeID (the empty
// string means the local node).
func (f facade) CreateStage(nodeID, stageType string, stageID int64, creationPacket *packet.Packet) (playhouseerr.Code, error) {
	return f.svc.CreateStage(nodeID, stageType, stageID, creationPacket)
}

// CloseStage requests destruction of the Stage stageID lives on.
func (f facade) CloseStage(nodeID string, stageID int64) error {
	return f.svc.CloseStage(nodeID, stageID)
}

// AddRepeatTimer schedules a timer against this facade's owning Stage.
func (f facade) AddRepeatTimer(initialDelay, period time.Duration, callback func(tick int)) int64 {
	return f.svc.AddRepeatTimer(f.stageID, initialDelay, period, callback)
}

// AddCountTimer schedules a count-limited timer against this facade's
// owning Stage.
func (f facade) AddCountTimer(initialDelay, period time.Duration, count int, callback func(tick int)) int64 {
	return f.svc.AddCountTimer(f.stageID, initialDelay, period, count, callback)
}

// CancelTimer cancels a previously scheduled timer by id.
func (f facade) CancelTimer(id int64) { f.svc.CancelTimer(id) }

// AsyncBlock runs work on a separate goroutine (so it never blocks this
// Stage's loop) and posts post back onto the owning Stage's queue once
// work completes, so post always runs with the same single-writer
// guarantees as any other dispatch. This is the one mechanism slow I/O
// (a DB call, an HTTP request) is allowed to use from inside a handler.
func (f facade) AsyncBlock(work func() any, post func(result any)) {
	s, ok := f.svc.Stage(f.stageID)
	if !ok {
		return
	}
	go func() {
		result := work()
		_ = s.Post(stage.RoutePacket{
			Kind:   stage.KindAsyncResult,
			Invoke: func() { post(result) },
		})
	}()
}
