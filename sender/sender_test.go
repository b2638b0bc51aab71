package sender

import (
	"context"
	"testing"
	"time"

	"github.com/playhouse-dev/playhouse/actor"
	"github.com/playhouse-dev/playhouse/packet"
	"github.com/playhouse-dev/playhouse/playhouseerr"
	"github.com/playhouse-dev/playhouse/stage"
)

// fakeServices is a minimal, in-memory Services double: enough to drive
// ActorSender/StageSender/ApiSender without a real runtime or router.
type fakeServices struct {
	stages map[int64]*stage.Stage
	sent   []*packet.Packet
}

func newFakeServices() *fakeServices {
	return &fakeServices{stages: make(map[int64]*stage.Stage)}
}

func (f *fakeServices) Stage(id int64) (*stage.Stage, bool) { s, ok := f.stages[id]; return s, ok }
func (f *fakeServices) LocalNodeID() string                 { return "node-1" }

func (f *fakeServices) SendToSession(sessionID int64, p *packet.Packet) error {
	f.sent = append(f.sent, p)
	return nil
}
func (f *fakeServices) SendToStage(nodeID string, stageID, sourceStageID int64, p *packet.Packet) error {
	return nil
}
func (f *fakeServices) RequestToStage(ctx context.Context, nodeID string, stageID, sourceStageID int64, p *packet.Packet, timeout time.Duration) (*packet.Packet, error) {
	return &packet.Packet{MsgID: p.MsgID}, nil
}
func (f *fakeServices) SendToApi(serviceID uint16, sourceStageID int64, p *packet.Packet) error {
	return nil
}
func (f *fakeServices) RequestToApi(ctx context.Context, serviceID uint16, sourceStageID int64, p *packet.Packet, timeout time.Duration) (*packet.Packet, error) {
	return &packet.Packet{MsgID: p.MsgID}, nil
}
func (f *fakeServices) CreateStage(nodeID, stageType string, stageID int64, creationPacket *packet.Packet) (playhouseerr.Code, error) {
	return playhouseerr.Success, nil
}
func (f *fakeServices) CloseStage(nodeID string, stageID int64) error { return nil }
func (f *fakeServices) ReplyOrigin(origin any, reply *packet.Packet)  {}
func (f *fakeServices) AddRepeatTimer(stageID int64, initialDelay, period time.Duration, cb func(int)) int64 {
	return 1
}
func (f *fakeServices) AddCountTimer(stageID int64, initialDelay, period time.Duration, count int, cb func(int)) int64 {
	return 1
}
func (f *fakeServices) CancelTimer(id int64) {}

type noopStage struct{}

func (noopStage) OnCreate(*packet.Packet) playhouseerr.Code                 { return playhouseerr.Success }
func (noopStage) OnPostCreate()                                             {}
func (noopStage) OnJoinStage(*actor.Actor, *packet.Packet) playhouseerr.Code { return playhouseerr.Success }
func (noopStage) OnPostJoinStage(*actor.Actor)                              {}
func (noopStage) OnActorConnectionChanged(*actor.Actor, bool)               {}
func (noopStage) OnLeaveRoom(*actor.Actor, string)                          {}
func (noopStage) OnDispatchActor(*actor.Actor, *packet.Packet)              {}
func (noopStage) OnDispatchStage(*packet.Packet)                            {}
func (noopStage) OnDestroy()                                                {}

func newTestSetup() (*fakeServices, *stage.Stage) {
	f := newFakeServices()
	s := stage.New(7, "room", "node-1", noopStage{})
	f.stages[7] = s
	return f, s
}

func TestActorSenderReplyUsesCurrentRequest(t *testing.T) {
	f, s := newTestSetup()
	s.Actors.Add(&actor.Actor{AccountID: 1, SessionID: 100, IsConnected: true})
	s.CurrentRequest = stage.RequestContext{SessionID: 100, AccountID: 1, MsgID: "Ping", MsgSeq: 5, Active: true}

	a := NewActorSender(f, 7, 1)
	if err := a.Reply(playhouseerr.Success, []byte("pong")); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if len(f.sent) != 1 {
		t.Fatalf("sent %d packets, want 1", len(f.sent))
	}
	if f.sent[0].MsgID != "Ping" || f.sent[0].MsgSeq != 5 {
		t.Errorf("reply = %+v, want MsgID=Ping MsgSeq=5", f.sent[0])
	}
}

func TestActorSenderReplyNoopWithoutActiveRequest(t *testing.T) {
	f, _ := newTestSetup()
	a := NewActorSender(f, 7, 1)
	if err := a.Reply(playhouseerr.Success, nil); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if len(f.sent) != 0 {
		t.Errorf("sent %d packets, want 0 (no active request)", len(f.sent))
	}
}

func TestActorSenderSendPushesToOwnSession(t *testing.T) {
	f, s := newTestSetup()
	s.Actors.Add(&actor.Actor{AccountID: 1, SessionID: 100, IsConnected: true})

	a := NewActorSender(f, 7, 1)
	if err := a.Send("Notify", []byte("hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(f.sent) != 1 || f.sent[0].MsgID != "Notify" {
		t.Fatalf("sent = %+v", f.sent)
	}
}

func TestStageSenderBroadcastToActorsFiltersDisconnected(t *testing.T) {
	f, s := newTestSetup()
	s.Actors.Add(&actor.Actor{AccountID: 1, SessionID: 100, IsConnected: true})
	s.Actors.Add(&actor.Actor{AccountID: 2, SessionID: 200, IsConnected: false})

	ss := NewStageSender(f, 7)
	ss.BroadcastToActors("Tick", nil, nil)

	if len(f.sent) != 1 {
		t.Fatalf("sent %d packets, want 1 (connected actor only)", len(f.sent))
	}
}

func TestApiSenderReplyRoutesThroughReplier(t *testing.T) {
	f := newFakeServices()
	var gotNode string
	var gotStage int64
	var gotReply *packet.Packet
	replier := replierFunc(func(nodeID string, stageID int64, reply *packet.Packet) error {
		gotNode, gotStage, gotReply = nodeID, stageID, reply
		return nil
	})

	a := NewApiSender(f, replier, "node-2", 42, "Lookup", 9)
	if err := a.Reply(playhouseerr.Success, []byte("ok")); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if gotNode != "node-2" || gotStage != 42 || gotReply.MsgSeq != 9 {
		t.Errorf("reply routed to node=%s stage=%d reply=%+v", gotNode, gotStage, gotReply)
	}
}

type replierFunc func(nodeID string, stageID int64, reply *packet.Packet) error

func (f replierFunc) ReplyEnvelope(nodeID string, stageID int64, reply *packet.Packet) error {
	return f(nodeID, stageID, reply)
}

func TestAsyncBlockRunsOffLoopAndPostsBack(t *testing.T) {
	f, s := newTestSetup()
	ss := NewStageSender(f, 7)

	done := make(chan int, 1)
	ss.AsyncBlock(
		func() any { return 42 },
		func(result any) { done <- result.(int) },
	)

	select {
	case v := <-done:
		if v != 42 {
			t.Errorf("result = %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("AsyncBlock post callback never ran")
	}
	_ = s
}
