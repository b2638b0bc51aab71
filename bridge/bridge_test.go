package bridge

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/playhouse-dev/playhouse/actor"
	"github.com/playhouse-dev/playhouse/lifecycle"
	"github.com/playhouse-dev/playhouse/packet"
	"github.com/playhouse-dev/playhouse/playhouseerr"
	"github.com/playhouse-dev/playhouse/session"
	"github.com/playhouse-dev/playhouse/stage"
	"github.com/playhouse-dev/playhouse/transport"
)

// pipeConn adapts a net.Conn (from net.Pipe) to transport.Conn, the same
// shape every other package's transport-facing tests use.
type pipeConn struct {
	net.Conn
	fr *packet.FrameReader
}

func newPipeConn(c net.Conn) *pipeConn { return &pipeConn{Conn: c, fr: packet.NewFrameReader(0)} }

func (p *pipeConn) WriteFrame(ctx context.Context, frame []byte) error {
	_, err := p.Conn.Write(frame)
	return err
}

func (p *pipeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		if body, ok, err := p.fr.Next(); err != nil {
			return nil, err
		} else if ok {
			return body, nil
		}
		buf := make([]byte, 64*1024)
		n, err := p.Conn.Read(buf)
		if n > 0 {
			p.fr.Feed(buf[:n])
		}
		if err != nil {
			return nil, err
		}
	}
}

func (p *pipeConn) RemoteAddr() string { return "pipe" }

var _ transport.Conn = (*pipeConn)(nil)

type recordingStage struct {
	dispatched chan *packet.Packet
}

func (r *recordingStage) OnCreate(*packet.Packet) playhouseerr.Code { return playhouseerr.Success }
func (r *recordingStage) OnPostCreate()                             {}
func (r *recordingStage) OnJoinStage(*actor.Actor, *packet.Packet) playhouseerr.Code {
	return playhouseerr.Success
}
func (r *recordingStage) OnPostJoinStage(*actor.Actor)                {}
func (r *recordingStage) OnActorConnectionChanged(*actor.Actor, bool) {}
func (r *recordingStage) OnLeaveRoom(*actor.Actor, string)            {}
func (r *recordingStage) OnDispatchActor(a *actor.Actor, p *packet.Packet) {
	r.dispatched <- p
}
func (r *recordingStage) OnDispatchStage(*packet.Packet) {}
func (r *recordingStage) OnDestroy()                     {}

type fakeStages struct{ s *stage.Stage }

func (f fakeStages) Stage(id int64) (*stage.Stage, bool) {
	if f.s == nil || f.s.StageID != id {
		return nil, false
	}
	return f.s, true
}

type fakeSessions struct{}

func (fakeSessions) Get(int64) (*session.Session, bool) { return nil, false }

// testClient wraps the client side of a Session under test: it owns the
// net.Pipe end a real Session.Serve reads from and writes to.
type testClient struct {
	conn *pipeConn
}

func newTestSession(t *testing.T, id int64, d *Dispatcher) (*session.Session, *testClient) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })

	s := session.New(id, newPipeConn(serverSide), d, session.WithHeartbeat(time.Hour, time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Serve(ctx)

	return s, &testClient{conn: newPipeConn(clientSide)}
}

func (c *testClient) write(t *testing.T, p *packet.Packet) {
	t.Helper()
	frame, err := packet.EncodeRequest(p)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if _, err := c.conn.Conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *testClient) readReply(t *testing.T) *packet.Packet {
	t.Helper()
	c.conn.Conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	body, err := c.conn.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	p, err := packet.DecodeResponse(body)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	return p
}

func TestHandlePacketRoutesToJoinedStage(t *testing.T) {
	rec := &recordingStage{dispatched: make(chan *packet.Packet, 1)}
	st := stage.New(1, "room", "node-1", rec)
	st.Actors.Add(&actor.Actor{AccountID: 5, SessionID: 42, IsConnected: true})

	d := New(lifecycle.New(fakeStages{st}, fakeSessions{}, nil, "Authenticate", "room"), fakeStages{st}, nil)
	s, client := newTestSession(t, 42, d)
	s.SetAccountID(5)
	s.SetStageID(1)

	client.write(t, &packet.Packet{MsgID: "Move", StageID: 1})

	select {
	case p := <-rec.dispatched:
		if p.MsgID != "Move" {
			t.Errorf("dispatched = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("packet never reached the stage")
	}
}

func TestHandlePacketRepliesStageNotFoundWhenUnjoined(t *testing.T) {
	d := New(lifecycle.New(fakeStages{}, fakeSessions{}, nil, "Authenticate", "room"), fakeStages{}, nil)
	_, client := newTestSession(t, 1, d)

	client.write(t, &packet.Packet{MsgID: "Move", MsgSeq: 9})

	got := client.readReply(t)
	if got.ErrorCode != playhouseerr.StageNotFound {
		t.Errorf("ErrorCode = %v, want StageNotFound", got.ErrorCode)
	}
}

func TestHandlePacketDropsPushWhenUnjoined(t *testing.T) {
	d := New(lifecycle.New(fakeStages{}, fakeSessions{}, nil, "Authenticate", "room"), fakeStages{}, nil)
	_, client := newTestSession(t, 2, d)

	client.write(t, &packet.Packet{MsgID: "Ping", MsgSeq: 0})

	client.conn.Conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, err := client.conn.ReadFrame(context.Background()); err == nil {
		t.Fatal("a push must never generate a reply")
	}
}

func TestConnectAsyncRecordsPendingJoin(t *testing.T) {
	lc := lifecycle.New(fakeStages{}, fakeSessions{}, nil, "Authenticate", "room")
	d := New(lc, fakeStages{}, nil)
	s, client := newTestSession(t, 3, d)

	client.write(t, &packet.Packet{MsgID: connectAsyncMsgID, StageID: 7, MsgSeq: 1, Payload: []byte("room")})
	client.readReply(t)

	if lc.State(s.ID) != lifecycle.StateConnectedUnauth {
		t.Errorf("state = %v, want ConnectedUnauth", lc.State(s.ID))
	}
}
