// Package bridge implements the Session→Stage bridge (C13): on every
// decoded client packet it either drives the connect/authenticate state
// machine or hands the packet to its target Stage's queue, replying
// StageNotFound for any request the router can't place.
package bridge

import (
	"context"
	"log/slog"

	"github.com/playhouse-dev/playhouse/lifecycle"
	"github.com/playhouse-dev/playhouse/packet"
	"github.com/playhouse-dev/playhouse/playhouseerr"
	"github.com/playhouse-dev/playhouse/session"
	"github.com/playhouse-dev/playhouse/stage"
)

// connectAsyncMsgID is the fixed control message a freshly connected
// session sends to declare which Stage it intends to join once
// authenticated. Its StageID travels in Packet.StageID (already part of
// the client wire frame); its stage type travels as the payload, a plain
// UTF-8 string rather than an opaque user payload, since the framework
// itself needs to read it before any user handler runs.
const connectAsyncMsgID = "ConnectAsync"

// Dispatcher implements session.Bridge, wiring the lifecycle driver and
// the local Stage pool together for every connected client.
type Dispatcher struct {
	lifecycle *lifecycle.Driver
	stages    lifecycle.StageLocator
	logger    *slog.Logger
}

// New constructs a Dispatcher.
func New(lc *lifecycle.Driver, stages lifecycle.StageLocator, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{lifecycle: lc, stages: stages, logger: logger}
}

// HandlePacket implements session.Bridge.
func (d *Dispatcher) HandlePacket(s *session.Session, p *packet.Packet) {
	switch {
	case p.MsgID == connectAsyncMsgID:
		d.handleConnectAsync(s, p)
	case d.lifecycle.IsAuthMessage(s.ID, p):
		d.handleAuthenticate(s, p)
	default:
		d.handleStagePacket(s, p)
	}
}

// OnSessionClosed implements session.Bridge: it marks the session's Actor
// disconnected (if any) and retires its lifecycle state.
func (d *Dispatcher) OnSessionClosed(s *session.Session) {
	d.lifecycle.Disconnect(s)
	d.lifecycle.Forget(s.ID)
}

func (d *Dispatcher) handleConnectAsync(s *session.Session, p *packet.Packet) {
	d.lifecycle.ConnectAsync(s.ID, p.StageID, string(p.Payload))
	if p.IsRequest() {
		d.reply(s, p, playhouseerr.Success)
	}
}

func (d *Dispatcher) handleAuthenticate(s *session.Session, p *packet.Packet) {
	// Authenticate may block on the embedder's Authenticator and then on a
	// Stage join; run it off the session's own read loop so a slow
	// authenticator never stalls delivery of other sessions' packets (it
	// does not touch this session's own ordering, since nothing else can
	// be in flight for an unauthenticated session).
	go func() {
		code := d.lifecycle.Authenticate(context.Background(), s, p)
		if p.IsRequest() {
			d.reply(s, p, code)
		}
		if code != playhouseerr.Success {
			s.Close()
		}
	}()
}

func (d *Dispatcher) handleStagePacket(s *session.Session, p *packet.Packet) {
	stageID := s.StageID()
	if stageID == 0 {
		d.reply(s, p, playhouseerr.StageNotFound)
		return
	}
	st, ok := d.stages.Stage(stageID)
	if !ok {
		d.reply(s, p, playhouseerr.StageNotFound)
		return
	}

	err := st.Post(stage.RoutePacket{
		Kind:      stage.KindClientPacket,
		StageID:   stageID,
		AccountID: s.AccountID(),
		Packet:    p,
	})
	if err != nil {
		d.reply(s, p, playhouseerr.CodeOf(err))
	}
}

// reply sends an error (or success, code=Success) reply for p, honoring
// invariant I3: a push (MsgSeq==0) never generates a reply.
func (d *Dispatcher) reply(s *session.Session, p *packet.Packet, code playhouseerr.Code) {
	if !p.IsRequest() {
		return
	}
	if err := s.Send(&packet.Packet{MsgID: p.MsgID, MsgSeq: p.MsgSeq, StageID: p.StageID, ErrorCode: code}); err != nil {
		d.logger.Debug("reply send failed", "sessionId", s.ID, "msgId", p.MsgID, "err", err)
	}
}

var _ session.Bridge = (*Dispatcher)(nil)
