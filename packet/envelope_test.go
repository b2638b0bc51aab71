package packet

import (
	"bytes"
	"testing"

	"github.com/playhouse-dev/playhouse/playhouseerr"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	e := &Envelope{
		Kind:          EnvelopeRequest,
		SourceNodeID:  "play-1",
		TargetNodeID:  "play-2",
		TargetStageID: 99,
		SourceStageID: 12,
		AccountID:     7,
		MsgID:         "JoinRoom",
		MsgSeq:        3,
		ErrorCode:     playhouseerr.Success,
		Payload:       []byte("payload-bytes"),
	}

	encoded, err := EncodeEnvelope(e)
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}

	// Strip the length prefix the way FrameReader.Next would before
	// handing the body to DecodeEnvelope.
	fr := NewFrameReader(0)
	fr.Feed(encoded)
	body, ok, err := fr.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}

	got, err := DecodeEnvelope(body)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}

	if got.Kind != e.Kind || got.SourceNodeID != e.SourceNodeID || got.TargetNodeID != e.TargetNodeID ||
		got.TargetStageID != e.TargetStageID || got.SourceStageID != e.SourceStageID ||
		got.AccountID != e.AccountID || got.MsgID != e.MsgID || got.MsgSeq != e.MsgSeq {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}
	if !bytes.Equal(got.Payload, e.Payload) {
		t.Errorf("Payload = %q, want %q", got.Payload, e.Payload)
	}
}

func TestEnvelopeTargetServiceRouting(t *testing.T) {
	e := &Envelope{TargetServiceID: 42}
	if !e.HasTargetService() {
		t.Error("HasTargetService() = false, want true")
	}
	e2 := &Envelope{}
	if e2.HasTargetService() {
		t.Error("HasTargetService() = true, want false for zero ServiceId")
	}
}
