package transport

import (
	"bytes"
	"context"
	"net"
	"testing"

	"github.com/playhouse-dev/playhouse/packet"
)

func TestTCPConnWriteRead(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	tc := newTCPConn(client, 0)

	p := &packet.Packet{MsgID: "Echo", MsgSeq: 1, Payload: []byte("hello")}
	frame, err := packet.EncodeRequest(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	go func() {
		if err := tc.WriteFrame(context.Background(), frame); err != nil {
			t.Errorf("write: %v", err)
		}
	}()

	buf := make([]byte, len(frame))
	if _, err := server.Read(buf); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if !bytes.Equal(buf, frame) {
		t.Errorf("frame mismatch: got %x, want %x", buf, frame)
	}
}

func TestTCPConnReadFrameAssemblesPartialWrites(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	tc := newTCPConn(server, 0)

	p := &packet.Packet{MsgID: "Echo", MsgSeq: 7, Payload: []byte("partial-delivery-payload")}
	frame, err := packet.EncodeRequest(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	go func() {
		for i := 0; i < len(frame); i++ {
			client.Write(frame[i : i+1])
		}
	}()

	body, err := tc.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}

	got, err := packet.DecodeRequest(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MsgID != "Echo" || !bytes.Equal(got.Payload, p.Payload) {
		t.Errorf("got %+v, want payload %q", got, p.Payload)
	}
}
