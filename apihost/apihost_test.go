package apihost

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/playhouse-dev/playhouse/packet"
	"github.com/playhouse-dev/playhouse/playhouseerr"
	"github.com/playhouse-dev/playhouse/s2s"
	"github.com/playhouse-dev/playhouse/sender"
	"github.com/playhouse-dev/playhouse/stage"
	"github.com/playhouse-dev/playhouse/transport"
)

// pipeConn adapts a net.Conn (from net.Pipe) to transport.Conn for tests,
// the same shape s2s's own tests use.
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

// fakeServices is an unused-path Services stub: the handler under test
// never calls any of these, it only replies.
type fakeServices struct{}

func (fakeServices) Stage(int64) (*stage.Stage, bool) { return nil, false }
func (fakeServices) LocalNodeID() string              { return "api-1" }
func (fakeServices) SendToSession(int64, *packet.Packet) error { return nil }
func (fakeServices) SendToStage(string, int64, int64, *packet.Packet) error { return nil }
func (fakeServices) RequestToStage(context.Context, string, int64, int64, *packet.Packet, time.Duration) (*packet.Packet, error) {
	return nil, nil
}
func (fakeServices) SendToApi(uint16, int64, *packet.Packet) error { return nil }
func (fakeServices) RequestToApi(context.Context, uint16, int64, *packet.Packet, time.Duration) (*packet.Packet, error) {
	return nil, nil
}
func (fakeServices) CreateStage(string, string, int64, *packet.Packet) (playhouseerr.Code, error) {
	return playhouseerr.Success, nil
}
func (fakeServices) CloseStage(string, int64) error                      { return nil }
func (fakeServices) ReplyOrigin(any, *packet.Packet)                     {}
func (fakeServices) AddRepeatTimer(int64, time.Duration, time.Duration, func(int)) int64 { return 0 }
func (fakeServices) AddCountTimer(int64, time.Duration, time.Duration, int, func(int)) int64 {
	return 0
}
func (fakeServices) CancelTimer(int64) {}

var _ sender.Services = fakeServices{}

func TestHostDispatchesRegisteredHandlerAndReplies(t *testing.T) {
	callerSide, apiSide := net.Pipe()
	defer callerSide.Close()
	defer apiSide.Close()

	replyCh := make(chan *packet.Envelope, 1)
	callerTransport := s2s.New("play-1", nil, func(env *packet.Envelope) { replyCh <- env }, nil)
	callerTransport.AcceptInbound("api-1", newPipeConn(callerSide))

	apiTransport := s2s.New("api-1", nil, func(*packet.Envelope) {}, nil)
	apiTransport.AcceptInbound("play-1", newPipeConn(apiSide))

	host := New(apiTransport, fakeServices{}, nil)
	host.Register("Lookup", func(p *packet.Packet, api sender.ApiSender) {
		if p.MsgID != "Lookup" {
			t.Errorf("handler saw MsgID = %q, want Lookup", p.MsgID)
		}
		if err := api.Reply(playhouseerr.Success, []byte("found")); err != nil {
			t.Errorf("Reply: %v", err)
		}
	})

	host.HandleEnvelope(&packet.Envelope{
		Kind:          packet.EnvelopeRequest,
		SourceNodeID:  "play-1",
		TargetNodeID:  "api-1",
		MsgID:         "Lookup",
		MsgSeq:        3,
		SourceStageID: 9,
	})

	select {
	case env := <-replyCh:
		if env.Kind != packet.EnvelopeReply || env.MsgSeq != 3 || string(env.Payload) != "found" {
			t.Errorf("reply envelope = %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply never arrived")
	}
}

func TestHostRepliesBadRequestForUnregisteredMsgID(t *testing.T) {
	callerSide, apiSide := net.Pipe()
	defer callerSide.Close()
	defer apiSide.Close()

	replyCh := make(chan *packet.Envelope, 1)
	callerTransport := s2s.New("play-1", nil, func(env *packet.Envelope) { replyCh <- env }, nil)
	callerTransport.AcceptInbound("api-1", newPipeConn(callerSide))

	apiTransport := s2s.New("api-1", nil, func(*packet.Envelope) {}, nil)
	apiTransport.AcceptInbound("play-1", newPipeConn(apiSide))

	host := New(apiTransport, fakeServices{}, nil)
	host.HandleEnvelope(&packet.Envelope{
		SourceNodeID: "play-1",
		TargetNodeID: "api-1",
		MsgID:        "Unknown",
		MsgSeq:       5,
	})

	select {
	case env := <-replyCh:
		if playhouseerr.Code(env.ErrorCode) != playhouseerr.BadRequest {
			t.Errorf("ErrorCode = %v, want BadRequest", env.ErrorCode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error reply never arrived")
	}
}
