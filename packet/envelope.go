package packet

import (
	"encoding/binary"

	"github.com/playhouse-dev/playhouse/playhouseerr"
)

// EnvelopeKind discriminates the three shapes an Envelope can carry,
// mirroring Packet's request/push split plus the reply direction S2S
// calls need that a client connection never does.
type EnvelopeKind uint8

const (
	EnvelopeRequest EnvelopeKind = iota
	EnvelopePush
	EnvelopeReply
)

// Envelope is the internal S2S envelope exchanged between nodes. It carries both the routing header (source/target node and stage)
// and the inner Packet fields.
type Envelope struct {
	Kind            EnvelopeKind
	SourceNodeID    string
	TargetNodeID    string
	TargetServiceID uint16 // 0 means "route by NodeId/StageId instead"
	TargetStageID   int64
	SourceStageID   int64
	AccountID       int64

	MsgID        string
	MsgSeq       uint16
	ErrorCode    playhouseerr.Code
	OriginalSize int32
	Payload      []byte
}

// HasTargetService reports whether this envelope should be routed by
// ServiceId rather than by a specific NodeId/StageId.
func (e *Envelope) HasTargetService() bool {
	return e.TargetServiceID != 0
}

// EncodeEnvelope serializes an Envelope to the S2S wire format: a kind
// byte, the routing header, then the Packet body.
//
//	kind:           u8 (Request=0, Push=1, Reply=2)
//	routing header: sourceNodeId:len+utf8 | targetNodeId:len+utf8 | targetServiceId:u16 |
//	                 targetStageId:i64 | sourceStageId:i64 | accountId:i64
//	body:           msgIdLen:u8 | msgId:utf8 | msgSeq:u16 | stageId:i64 | errorCode:u16 |
//	                originalSize:i32 | payload
func EncodeEnvelope(e *Envelope) ([]byte, error) {
	if err := validateMsgID(e.MsgID); err != nil {
		return nil, err
	}
	if len(e.SourceNodeID) > 0xFFFF || len(e.TargetNodeID) > 0xFFFF {
		return nil, malformed("nodeId too long")
	}

	size := 1 + 2 + len(e.SourceNodeID) + 2 + len(e.TargetNodeID) + 2 + 8 + 8 + 8 +
		1 + len(e.MsgID) + 2 + 8 + 2 + 4 + len(e.Payload)
	buf := make([]byte, 0, size)

	buf = append(buf, byte(e.Kind))
	buf = appendLenPrefixedString(buf, e.SourceNodeID)
	buf = appendLenPrefixedString(buf, e.TargetNodeID)
	buf = binary.LittleEndian.AppendUint16(buf, e.TargetServiceID)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.TargetStageID))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.SourceStageID))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.AccountID))

	buf = append(buf, byte(len(e.MsgID)))
	buf = append(buf, e.MsgID...)
	buf = binary.LittleEndian.AppendUint16(buf, e.MsgSeq)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.TargetStageID))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(e.ErrorCode))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(e.OriginalSize))
	buf = append(buf, e.Payload...)

	return prefixLength(buf), nil
}

// DecodeEnvelope parses a single complete (length-prefix already stripped)
// S2S envelope body.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	if len(body) < 1 {
		return nil, malformed("envelope missing kind byte")
	}
	kind := EnvelopeKind(body[0])
	body = body[1:]

	nodeSrc, rest, err := readLenPrefixedString(body)
	if err != nil {
		return nil, err
	}
	nodeDst, rest, err := readLenPrefixedString(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) < 2+8+8+8 {
		return nil, malformed("envelope routing header truncated")
	}

	targetService := binary.LittleEndian.Uint16(rest[0:2])
	targetStage := int64(binary.LittleEndian.Uint64(rest[2:10]))
	sourceStage := int64(binary.LittleEndian.Uint64(rest[10:18]))
	accountID := int64(binary.LittleEndian.Uint64(rest[18:26]))
	rest = rest[26:]

	msgID, rest, err := readMsgID(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) < 16 {
		return nil, malformed("envelope body truncated")
	}

	msgSeq := binary.LittleEndian.Uint16(rest[0:2])
	// rest[2:10] duplicates targetStageId; the routing header is authoritative.
	errorCode := binary.LittleEndian.Uint16(rest[10:12])
	originalSize := int32(binary.LittleEndian.Uint32(rest[12:16]))
	payload := rest[16:]

	return &Envelope{
		Kind:            kind,
		SourceNodeID:    nodeSrc,
		TargetNodeID:    nodeDst,
		TargetServiceID: targetService,
		TargetStageID:   targetStage,
		SourceStageID:   sourceStage,
		AccountID:       accountID,
		MsgID:           msgID,
		MsgSeq:          msgSeq,
		ErrorCode:       playhouseerr.Code(errorCode),
		OriginalSize:    originalSize,
		Payload:         payload,
	}, nil
}

func appendLenPrefixedString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func readLenPrefixedString(body []byte) (string, []byte, error) {
	if len(body) < 2 {
		return "", nil, malformed("missing nodeId length")
	}
	n := int(binary.LittleEndian.Uint16(body[0:2]))
	if len(body) < 2+n {
		return "", nil, malformed("nodeId truncated")
	}
	return string(body[2 : 2+n]), body[2+n:], nil
}
