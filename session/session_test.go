package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/playhouse-dev/playhouse/packet"
	"github.com/playhouse-dev/playhouse/transport"
)

// pipeConn adapts a net.Conn (from net.Pipe) to transport.Conn for tests,
// the same shape s2s's pipeConn uses.
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

type fakeBridge struct {
	received chan *packet.Packet
	closed   chan int64
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{received: make(chan *packet.Packet, 8), closed: make(chan int64, 1)}
}

func (b *fakeBridge) HandlePacket(s *Session, p *packet.Packet) { b.received <- p }
func (b *fakeBridge) OnSessionClosed(s *Session)                { b.closed <- s.ID }

func TestSessionServeDecodesClientRequests(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	bridge := newFakeBridge()
	s := New(1, newPipeConn(serverSide), bridge, WithHeartbeat(time.Hour, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveDone := make(chan error, 1)
	go func() { serveDone <- s.Serve(ctx) }()

	frame, err := packet.EncodeRequest(&packet.Packet{MsgID: "Ping", MsgSeq: 1, Payload: []byte("hi")})
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if _, err := clientSide.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case p := <-bridge.received:
		if p.MsgID != "Ping" || p.MsgSeq != 1 {
			t.Errorf("received = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("packet never reached bridge")
	}

	clientSide.Close()
	select {
	case <-bridge.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnSessionClosed never called")
	}
}

func TestSessionSendEncodesResponse(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	bridge := newFakeBridge()
	s := New(2, newPipeConn(serverSide), bridge, WithHeartbeat(time.Hour, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	if err := s.Send(&packet.Packet{MsgID: "Pong", MsgSeq: 1, Payload: []byte("ok")}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	clientConn := newPipeConn(clientSide)
	body, err := clientConn.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	got, err := packet.DecodeResponse(body)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if got.MsgID != "Pong" || got.MsgSeq != 1 {
		t.Errorf("got = %+v", got)
	}
}

func TestManagerSendRoutesToLiveSession(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	bridge := newFakeBridge()
	mgr := NewManager(bridge, nil, WithHeartbeat(time.Hour, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Accept(ctx, newPipeConn(serverSide))

	// Accept assigns IDs starting at 1.
	time.Sleep(10 * time.Millisecond)

	if err := mgr.Send(1, &packet.Packet{MsgID: "Push", Payload: []byte("x")}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	clientConn := newPipeConn(clientSide)
	body, err := clientConn.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	got, err := packet.DecodeResponse(body)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if got.MsgID != "Push" {
		t.Errorf("got = %+v", got)
	}

	if err := mgr.Send(999, &packet.Packet{MsgID: "X"}); err == nil {
		t.Error("Send to unknown session = nil error, want SessionNotFound")
	}
}
