// Package router implements the cross-node request/reply fabric: it
// decides whether a call targets a Stage on this node, a Stage on another
// node, or any healthy node hosting a given Api service, and it resolves
// replies back to whichever of those three called in. Router is the
// concrete type that satisfies sender.Services, so every ActorSender/
// StageSender/ApiSender in the process ultimately calls through it.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playhouse-dev/playhouse/packet"
	"github.com/playhouse-dev/playhouse/playhouseerr"
	"github.com/playhouse-dev/playhouse/reqcache"
	"github.com/playhouse-dev/playhouse/runtime"
	"github.com/playhouse-dev/playhouse/s2s"
	"github.com/playhouse-dev/playhouse/stage"
)

// SessionDirectory delivers a packet to whichever client connection
// sessionID names. The session package's Manager implements this.
type SessionDirectory interface {
	Send(sessionID int64, p *packet.Packet) error
}

// ApiInbound handles an Envelope addressed to an Api service hosted on
// this node. The apihost package's Host implements this.
type ApiInbound interface {
	HandleEnvelope(env *packet.Envelope)
}

// ServiceDirectory tracks which nodes currently advertise each Api
// service id, for the round-robin-with-health-gate policy RequestToApi
// and SendToApi use.
type ServiceDirectory struct {
	mu      sync.RWMutex
	byID    map[uint16][]string
	counter atomic.Uint64
}

// NewServiceDirectory creates an empty ServiceDirectory.
func NewServiceDirectory() *ServiceDirectory {
	return &ServiceDirectory{byID: make(map[uint16][]string)}
}

// Register advertises nodeID as a host of serviceID.
func (d *ServiceDirectory) Register(serviceID uint16, nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.byID[serviceID] {
		if id == nodeID {
			return
		}
	}
	d.byID[serviceID] = append(d.byID[serviceID], nodeID)
}

// Unregister removes nodeID as a host of serviceID, e.g. on node drain.
func (d *ServiceDirectory) Unregister(serviceID uint16, nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	nodes := d.byID[serviceID]
	for i, id := range nodes {
		if id == nodeID {
			d.byID[serviceID] = append(nodes[:i], nodes[i+1:]...)
			return
		}
	}
}

// pick returns the next candidate node for serviceID in round-robin
// order, restricted to nodes healthy reports true for.
func (d *ServiceDirectory) pick(serviceID uint16, healthy func(string) bool) (string, bool) {
	d.mu.RLock()
	nodes := append([]string(nil), d.byID[serviceID]...)
	d.mu.RUnlock()
	if len(nodes) == 0 {
		return "", false
	}
	start := int(d.counter.Add(1) % uint64(len(nodes)))
	for i := 0; i < len(nodes); i++ {
		candidate := nodes[(start+i)%len(nodes)]
		if healthy == nil || healthy(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// localOrigin marks a RequestContext.ReplyOrigin whose caller is on this
// same node, waiting on a reqcache entry directly.
type localOrigin struct{ seq uint16 }

// remoteOrigin marks a RequestContext.ReplyOrigin whose caller is on
// another node; the reply must travel back as an S2S envelope.
type remoteOrigin struct {
	nodeID    string
	stageID   int64
	accountID int64
}

const defaultRequestTimeout = 5 * time.Second

// Router combines a node's Stage pool, its S2S transport, and the
// pending-request table used for both inter-Stage and Api calls.
type Router struct {
	*runtime.Runtime

	transport *s2s.Transport
	reqs      *reqcache.Cache
	sessions  SessionDirectory
	services  *ServiceDirectory
	apiHost   ApiInbound

	logger *slog.Logger
}

// New builds a Router bound to rt (this node's Stage pool) and transport
// (its S2S links). sessions delivers client-facing pushes; apiHost may be
// nil on a node that hosts no Api services.
func New(rt *runtime.Runtime, transport *s2s.Transport, sessions SessionDirectory, services *ServiceDirectory, apiHost ApiInbound, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if services == nil {
		services = NewServiceDirectory()
	}
	return &Router{
		Runtime:   rt,
		transport: transport,
		reqs:      reqcache.New(),
		sessions:  sessions,
		services:  services,
		apiHost:   apiHost,
		logger:    logger,
	}
}

// HandleEnvelope is wired as the s2s.Transport's Handler: every inbound
// envelope from any peer arrives here.
func (r *Router) HandleEnvelope(env *packet.Envelope) {
	if env.Kind == packet.EnvelopeReply {
		r.reqs.Complete(env.MsgSeq, envelopeToReplyPacket(env))
		return
	}

	if env.HasTargetService() {
		if r.apiHost == nil {
			r.logger.Warn("envelope addressed to unhosted service", "serviceId", env.TargetServiceID, "from", env.SourceNodeID)
			return
		}
		r.apiHost.HandleEnvelope(env)
		return
	}

	s, ok := r.Stage(env.TargetStageID)
	if !ok {
		if env.Kind == packet.EnvelopeRequest {
			r.replyError(env, playhouseerr.StageNotFound)
		}
		return
	}

	var origin any
	if env.Kind == packet.EnvelopeRequest {
		origin = remoteOrigin{nodeID: env.SourceNodeID, stageID: env.SourceStageID, accountID: env.AccountID}
	}
	rp := stage.RoutePacket{
		Kind:      stage.KindStagePacket,
		StageID:   env.TargetStageID,
		AccountID: env.AccountID,
		Packet: &packet.Packet{
			MsgID:     env.MsgID,
			MsgSeq:    env.MsgSeq,
			StageID:   env.TargetStageID,
			ErrorCode: env.ErrorCode,
			Payload:   env.Payload,
		},
		ReplyOrigin: origin,
	}
	if err := s.Post(rp); err != nil {
		r.logger.Warn("envelope dropped: stage overloaded or closed", "stageId", env.TargetStageID, "err", err)
	}
}

func (r *Router) replyError(env *packet.Envelope, code playhouseerr.Code) {
	reply := &packet.Envelope{
		Kind:          packet.EnvelopeReply,
		SourceNodeID:  r.NodeID,
		TargetNodeID:  env.SourceNodeID,
		TargetStageID: env.SourceStageID,
		MsgID:         env.MsgID,
		MsgSeq:        env.MsgSeq,
		ErrorCode:     code,
	}
	if err := r.transport.Send(reply); err != nil {
		r.logger.Warn("failed to deliver error reply", "to", env.SourceNodeID, "err", err)
	}
}

func envelopeToReplyPacket(env *packet.Envelope) *packet.Packet {
	return &packet.Packet{
		MsgID:        env.MsgID,
		MsgSeq:       env.MsgSeq,
		StageID:      env.TargetStageID,
		ErrorCode:    env.ErrorCode,
		OriginalSize: env.OriginalSize,
		Payload:      env.Payload,
	}
}

// ReplyOrigin implements sender.Services: it resolves origin (attached to
// the RequestContext when the original StagePacket request was
// dispatched) back to whichever side is waiting for reply.
func (r *Router) ReplyOrigin(origin any, reply *packet.Packet) {
	switch o := origin.(type) {
	case localOrigin:
		r.reqs.Complete(o.seq, reply)
	case remoteOrigin:
		env := &packet.Envelope{
			Kind:          packet.EnvelopeReply,
			SourceNodeID:  r.NodeID,
			TargetNodeID:  o.nodeID,
			TargetStageID: o.stageID,
			AccountID:     o.accountID,
			MsgID:         reply.MsgID,
			MsgSeq:        reply.MsgSeq,
			ErrorCode:     reply.ErrorCode,
			OriginalSize:  reply.OriginalSize,
			Payload:       reply.Payload,
		}
		if err := r.transport.Send(env); err != nil {
			r.logger.Warn("failed to deliver stage reply", "to", o.nodeID, "err", err)
		}
	}
}

// SendToSession implements sender.Services.
func (r *Router) SendToSession(sessionID int64, p *packet.Packet) error {
	if r.sessions == nil {
		return fmt.Errorf("router: no session directory configured")
	}
	return r.sessions.Send(sessionID, p)
}

// SendToStage implements sender.Services: a fire-and-forget StagePacket,
// local or remote.
func (r *Router) SendToStage(nodeID string, stageID, sourceStageID int64, p *packet.Packet) error {
	if r.isLocal(nodeID) {
		s, ok := r.Stage(stageID)
		if !ok {
			return playhouseerr.New(playhouseerr.StageNotFound)
		}
		return s.Post(stage.RoutePacket{
			Kind:    stage.KindStagePacket,
			StageID: stageID,
			Packet:  &packet.Packet{MsgID: p.MsgID, StageID: stageID, Payload: p.Payload},
		})
	}
	env := &packet.Envelope{
		Kind:          packet.EnvelopePush,
		SourceNodeID:  r.NodeID,
		TargetNodeID:  nodeID,
		TargetStageID: stageID,
		SourceStageID: sourceStageID,
		MsgID:         p.MsgID,
		Payload:       p.Payload,
	}
	return r.transport.Send(env)
}

// RequestToStage implements sender.Services: a correlated StagePacket
// call, local or remote, resolved via reqcache and (for remote targets)
// an EnvelopeReply.
func (r *Router) RequestToStage(ctx context.Context, nodeID string, stageID, sourceStageID int64, p *packet.Packet, timeout time.Duration) (*packet.Packet, error) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	seq := r.reqs.NextSeq()

	type outcome struct {
		reply *packet.Packet
		err   error
	}
	resultCh := make(chan outcome, 1)
	if err := r.reqs.Register(seq, timeout, func(reply any, err error) {
		if err != nil {
			resultCh <- outcome{nil, err}
			return
		}
		resultCh <- outcome{reply.(*packet.Packet), nil}
	}); err != nil {
		return nil, err
	}

	if r.isLocal(nodeID) {
		s, ok := r.Stage(stageID)
		if !ok {
			r.reqs.Fail(seq, playhouseerr.New(playhouseerr.StageNotFound))
		} else {
			err := s.Post(stage.RoutePacket{
				Kind:        stage.KindStagePacket,
				StageID:     stageID,
				Packet:      &packet.Packet{MsgID: p.MsgID, MsgSeq: seq, StageID: stageID, Payload: p.Payload},
				ReplyOrigin: localOrigin{seq: seq},
			})
			if err != nil {
				r.reqs.Fail(seq, err)
			}
		}
	} else {
		env := &packet.Envelope{
			Kind:          packet.EnvelopeRequest,
			SourceNodeID:  r.NodeID,
			TargetNodeID:  nodeID,
			TargetStageID: stageID,
			SourceStageID: sourceStageID,
			MsgID:         p.MsgID,
			MsgSeq:        seq,
			Payload:       p.Payload,
		}
		if err := r.transport.Send(env); err != nil {
			r.reqs.Fail(seq, err)
		}
	}

	select {
	case res := <-resultCh:
		return res.reply, res.err
	case <-ctx.Done():
		r.reqs.Fail(seq, ctx.Err())
		return nil, ctx.Err()
	}
}

// SendToApi implements sender.Services: a fire-and-forget call to any
// healthy node advertising serviceID.
func (r *Router) SendToApi(serviceID uint16, sourceStageID int64, p *packet.Packet) error {
	node, ok := r.services.pick(serviceID, r.transport.Connected)
	if !ok {
		return playhouseerr.New(playhouseerr.NodeUnreachable)
	}
	env := &packet.Envelope{
		Kind:            packet.EnvelopePush,
		SourceNodeID:    r.NodeID,
		TargetNodeID:    node,
		TargetServiceID: serviceID,
		SourceStageID:   sourceStageID,
		MsgID:           p.MsgID,
		Payload:         p.Payload,
	}
	return r.transport.Send(env)
}

// RequestToApi implements sender.Services: a correlated call to any
// healthy node advertising serviceID, round-robined across candidates.
func (r *Router) RequestToApi(ctx context.Context, serviceID uint16, sourceStageID int64, p *packet.Packet, timeout time.Duration) (*packet.Packet, error) {
	node, ok := r.services.pick(serviceID, r.transport.Connected)
	if !ok {
		return nil, playhouseerr.New(playhouseerr.NodeUnreachable)
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	seq := r.reqs.NextSeq()

	type outcome struct {
		reply *packet.Packet
		err   error
	}
	resultCh := make(chan outcome, 1)
	if err := r.reqs.Register(seq, timeout, func(reply any, err error) {
		if err != nil {
			resultCh <- outcome{nil, err}
			return
		}
		resultCh <- outcome{reply.(*packet.Packet), nil}
	}); err != nil {
		return nil, err
	}

	env := &packet.Envelope{
		Kind:            packet.EnvelopeRequest,
		SourceNodeID:    r.NodeID,
		TargetNodeID:    node,
		TargetServiceID: serviceID,
		SourceStageID:   sourceStageID,
		MsgID:           p.MsgID,
		MsgSeq:          seq,
		Payload:         p.Payload,
	}
	if err := r.transport.Send(env); err != nil {
		r.reqs.Fail(seq, err)
	}

	select {
	case res := <-resultCh:
		return res.reply, res.err
	case <-ctx.Done():
		r.reqs.Fail(seq, ctx.Err())
		return nil, ctx.Err()
	}
}

// CreateStage implements sender.Services. Only local creation is
// supported: cross-node Stage placement would need a dedicated wire
// message carrying the target stage type, which the current S2S envelope
// shape doesn't have room for. Callers that need a Stage on a specific
// remote node should call that node's own CreateStage directly (e.g. via
// its Api surface) rather than through this facade.
func (r *Router) CreateStage(nodeID, stageType string, stageID int64, creationPacket *packet.Packet) (playhouseerr.Code, error) {
	if !r.isLocal(nodeID) {
		return playhouseerr.BadRequest, fmt.Errorf("router: remote CreateStage is not supported (target node %q)", nodeID)
	}
	return r.Runtime.CreateStage(stageType, stageID, creationPacket)
}

// CloseStage implements sender.Services.
func (r *Router) CloseStage(nodeID string, stageID int64) error {
	if !r.isLocal(nodeID) {
		return fmt.Errorf("router: remote CloseStage is not supported (target node %q)", nodeID)
	}
	r.Runtime.DestroyStage(stageID)
	return nil
}

func (r *Router) isLocal(nodeID string) bool {
	return nodeID == "" || nodeID == r.NodeID
}

// AddRepeatTimer implements sender.Services by delegating to the
// Runtime's timer service.
func (r *Router) AddRepeatTimer(stageID int64, initialDelay, period time.Duration, callback func(tick int)) int64 {
	return r.Timers().AddRepeatTimer(stageID, initialDelay, period, callback)
}

// AddCountTimer implements sender.Services.
func (r *Router) AddCountTimer(stageID int64, initialDelay, period time.Duration, count int, callback func(tick int)) int64 {
	return r.Timers().AddCountTimer(stageID, initialDelay, period, count, callback)
}

// CancelTimer implements sender.Services.
func (r *Router) CancelTimer(id int64) { r.Timers().CancelTimer(id) }
