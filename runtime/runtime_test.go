package runtime

import (
	"testing"
	"time"

	"github.com/playhouse-dev/playhouse/actor"
	"github.com/playhouse-dev/playhouse/packet"
	"github.com/playhouse-dev/playhouse/playhouseerr"
	"github.com/playhouse-dev/playhouse/stage"
)

// echoUserStage is a minimal UserStage sufficient to exercise the Runtime
// pool's create/destroy lifecycle; it does nothing with dispatched packets.
type echoUserStage struct{}

func (echoUserStage) OnCreate(*packet.Packet) playhouseerr.Code { return playhouseerr.Success }
func (echoUserStage) OnPostCreate()                             {}
func (echoUserStage) OnJoinStage(*actor.Actor, *packet.Packet) playhouseerr.Code {
	return playhouseerr.Success
}
func (echoUserStage) OnPostJoinStage(*actor.Actor)                {}
func (echoUserStage) OnActorConnectionChanged(*actor.Actor, bool) {}
func (echoUserStage) OnLeaveRoom(*actor.Actor, string)            {}
func (echoUserStage) OnDispatchActor(*actor.Actor, *packet.Packet) {}
func (echoUserStage) OnDispatchStage(*packet.Packet)               {}
func (echoUserStage) OnDestroy()                                   {}

func newTestRuntime() (*Runtime, int64) {
	r := New("node-a")
	r.RegisterStageType("echo", func(StageSenderHandle) stage.UserStage { return echoUserStage{} })
	id := r.NextStageID()
	if code, err := r.CreateStage("echo", id, nil); err != nil || code != playhouseerr.Success {
		panic("test setup: CreateStage failed")
	}
	return r, id
}

// TestDestroyStageRejectsLatePost reproduces the race a slow AsyncBlock can
// hit: its work finishes and posts its result back to the Stage after
// DestroyStage has already started tearing it down. The late Post must be
// rejected rather than accepted and dispatched after OnDestroy runs.
func TestDestroyStageRejectsLatePost(t *testing.T) {
	r, id := newTestRuntime()
	s, ok := r.Stage(id)
	if !ok {
		t.Fatal("stage not found right after creation")
	}

	release := make(chan struct{})
	lateResult := make(chan error, 1)
	go func() {
		<-release
		lateResult <- s.Post(stage.RoutePacket{Kind: stage.KindAsyncResult, Invoke: func() {}})
	}()

	r.DestroyStage(id)
	close(release)

	select {
	case err := <-lateResult:
		if playhouseerr.CodeOf(err) != playhouseerr.StageNotFound {
			t.Errorf("late Post after DestroyStage: error = %v, want StageNotFound", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("late Post never returned")
	}

	if !s.IsClosed() {
		t.Error("Stage should be closed after DestroyStage")
	}
	if _, ok := r.Stage(id); ok {
		t.Error("Stage should no longer be registered after DestroyStage")
	}
}
