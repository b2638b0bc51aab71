// Package apihost implements the stateless Api controller multiplex (C12):
// a process-wide msgId→handler registry dispatched off the node's S2S
// inbound handler onto an unbounded worker goroutine per request, since
// Api controllers are stateless by contract and carry no Stage-style
// single-writer constraint.
package apihost

import (
	"log/slog"
	"sync"

	"github.com/playhouse-dev/playhouse/packet"
	"github.com/playhouse-dev/playhouse/playhouseerr"
	"github.com/playhouse-dev/playhouse/s2s"
	"github.com/playhouse-dev/playhouse/sender"
)

// Handler processes one inbound Api request. It is handed an ApiSender
// scoped to exactly this request, used to reply and to make further
// Stage/Api calls on the caller's behalf.
type Handler func(p *packet.Packet, api sender.ApiSender)

// Host is a node's Api controller registry and dispatcher. Construct one
// per Api node and wire Host.HandleEnvelope as the process's ApiInbound.
type Host struct {
	transport *s2s.Transport
	services  sender.Services
	logger    *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New constructs a Host. transport is used both to reply to inbound
// requests (ReplyEnvelope) and indirectly via services for any
// RequestToStage/RequestToApi calls a handler makes.
func New(transport *s2s.Transport, services sender.Services, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		transport: transport,
		services:  services,
		logger:    logger,
		handlers:  make(map[string]Handler),
	}
}

// SetServices assigns the Services handle used for RequestToStage/
// RequestToApi calls a handler makes. Bootstrap wiring constructs Host
// before the concrete router.Router exists (Router itself takes Host as
// its ApiInbound), so this is set once, right after router.New returns,
// before the node starts accepting S2S traffic.
func (h *Host) SetServices(services sender.Services) {
	h.services = services
}

// Register associates msgID with handler. Call during node bootstrap,
// before the node starts accepting S2S traffic; not safe to call
// concurrently with HandleEnvelope.
func (h *Host) Register(msgID string, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[msgID] = handler
}

// HandleEnvelope implements router.ApiInbound: it looks up env.MsgID's
// handler and runs it on its own goroutine, so one slow or blocking
// controller never stalls another request or the S2S read loop that
// delivered it.
func (h *Host) HandleEnvelope(env *packet.Envelope) {
	h.mu.RLock()
	handler, ok := h.handlers[env.MsgID]
	h.mu.RUnlock()
	if !ok {
		h.logger.Warn("no handler registered for api request", "msgId", env.MsgID)
		h.replyError(env, playhouseerr.BadRequest)
		return
	}

	p := &packet.Packet{
		MsgID:        env.MsgID,
		MsgSeq:       env.MsgSeq,
		StageID:      env.SourceStageID,
		ErrorCode:    env.ErrorCode,
		OriginalSize: env.OriginalSize,
		Payload:      env.Payload,
	}
	api := sender.NewApiSender(h.services, h, env.SourceNodeID, env.SourceStageID, env.MsgID, env.MsgSeq)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("api handler panicked", "msgId", env.MsgID, "recovered", r)
				h.replyError(env, playhouseerr.InternalError)
			}
		}()
		handler(p, api)
	}()
}

func (h *Host) replyError(env *packet.Envelope, code playhouseerr.Code) {
	if env.MsgSeq == 0 {
		return
	}
	_ = h.ReplyEnvelope(env.SourceNodeID, env.SourceStageID, &packet.Packet{
		MsgID:     env.MsgID,
		MsgSeq:    env.MsgSeq,
		ErrorCode: code,
	})
}

// ReplyEnvelope implements sender.ApiReplier: it wraps reply in an
// EnvelopeReply addressed back to sourceNodeID/sourceStageID and sends it
// over the S2S transport.
func (h *Host) ReplyEnvelope(sourceNodeID string, sourceStageID int64, reply *packet.Packet) error {
	env := &packet.Envelope{
		Kind:          packet.EnvelopeReply,
		SourceNodeID:  h.transport.LocalNodeID(),
		TargetNodeID:  sourceNodeID,
		TargetStageID: sourceStageID,
		MsgID:         reply.MsgID,
		MsgSeq:        reply.MsgSeq,
		ErrorCode:     reply.ErrorCode,
		OriginalSize:  reply.OriginalSize,
		Payload:       reply.Payload,
	}
	return h.transport.Send(env)
}
