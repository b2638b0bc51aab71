package main

import (
	"github.com/playhouse-dev/playhouse/actor"
	"github.com/playhouse-dev/playhouse/packet"
	"github.com/playhouse-dev/playhouse/playhouseerr"
	"github.com/playhouse-dev/playhouse/runtime"
	"github.com/playhouse-dev/playhouse/sender"
	"github.com/playhouse-dev/playhouse/stage"
)

// registerStageTypes wires this node's stage.UserStage builders. A real
// deployment registers its own game-specific stage types here instead of
// (or alongside) lobbyStage, which only echoes every client request back to
// its sender and exists so a freshly booted node has somewhere to join.
func registerStageTypes(rt *runtime.Runtime, svc sender.Services) {
	rt.RegisterStageType("lobby", func(handle runtime.StageSenderHandle) stage.UserStage {
		return &lobbyStage{svc: svc, stageID: handle.StageID()}
	})
}

// lobbyStage is the minimal UserStage every join is accepted into and every
// client request is echoed back within (pushes are ignored): a starting
// point, not a game.
type lobbyStage struct {
	svc     sender.Services
	stageID int64
}

func (l *lobbyStage) OnCreate(*packet.Packet) playhouseerr.Code { return playhouseerr.Success }
func (l *lobbyStage) OnPostCreate()                             {}

func (l *lobbyStage) OnJoinStage(*actor.Actor, *packet.Packet) playhouseerr.Code {
	return playhouseerr.Success
}
func (l *lobbyStage) OnPostJoinStage(*actor.Actor)                {}
func (l *lobbyStage) OnActorConnectionChanged(*actor.Actor, bool) {}
func (l *lobbyStage) OnLeaveRoom(*actor.Actor, string)            {}

func (l *lobbyStage) OnDispatchActor(a *actor.Actor, p *packet.Packet) {
	if !p.IsRequest() {
		return
	}
	as := sender.NewActorSender(l.svc, l.stageID, a.AccountID)
	_ = as.Reply(playhouseerr.Success, p.Payload)
}

func (l *lobbyStage) OnDispatchStage(*packet.Packet) {}
func (l *lobbyStage) OnDestroy()                     {}
