package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/playhouse-dev/playhouse/playhouseerr"
)

// Wire shapes, little-endian:
//
//	request:  length:u32 | msgIdLen:u8 | msgId:utf8 | msgSeq:u16 | stageId:i64 | payload
//	response: length:u32 | msgIdLen:u8 | msgId:utf8 | msgSeq:u16 | stageId:i64 | errorCode:u16 | originalSize:i32 | payload
//
// length counts all bytes after itself.

// ErrMalformedPacket is returned for any framing violation; the caller MUST
// terminate the session on receipt.
type ErrMalformedPacket struct {
	Reason string
}

func (e *ErrMalformedPacket) Error() string {
	return fmt.Sprintf("packet: malformed: %s", e.Reason)
}

func malformed(reason string) error { return &ErrMalformedPacket{Reason: reason} }

// EncodeRequest serializes a client→server request frame.
func EncodeRequest(p *Packet) ([]byte, error) {
	if err := validateMsgID(p.MsgID); err != nil {
		return nil, err
	}

	body := make([]byte, 0, 1+len(p.MsgID)+2+8+len(p.Payload))
	body = append(body, byte(len(p.MsgID)))
	body = append(body, p.MsgID...)
	body = binary.LittleEndian.AppendUint16(body, p.MsgSeq)
	body = binary.LittleEndian.AppendUint64(body, uint64(p.StageID))
	body = append(body, p.Payload...)

	return prefixLength(body), nil
}

// DecodeRequest parses a single complete (length-prefix already stripped)
// request frame body, as produced by FrameReader.Next.
func DecodeRequest(body []byte) (*Packet, error) {
	msgID, rest, err := readMsgID(body)
	if err != nil {
		return nil, err
	}
	if len(rest) < 10 {
		return nil, malformed("request header truncated")
	}

	msgSeq := binary.LittleEndian.Uint16(rest[0:2])
	stageID := int64(binary.LittleEndian.Uint64(rest[2:10]))
	payload := rest[10:]

	return &Packet{
		MsgID:   msgID,
		MsgSeq:  msgSeq,
		StageID: stageID,
		Payload: payload,
	}, nil
}

// EncodeResponse serializes a server→client response/push frame.
func EncodeResponse(p *Packet) ([]byte, error) {
	if err := validateMsgID(p.MsgID); err != nil {
		return nil, err
	}

	body := make([]byte, 0, 1+len(p.MsgID)+2+8+2+4+len(p.Payload))
	body = append(body, byte(len(p.MsgID)))
	body = append(body, p.MsgID...)
	body = binary.LittleEndian.AppendUint16(body, p.MsgSeq)
	body = binary.LittleEndian.AppendUint64(body, uint64(p.StageID))
	body = binary.LittleEndian.AppendUint16(body, uint16(p.ErrorCode))
	body = binary.LittleEndian.AppendUint32(body, uint32(p.OriginalSize))
	body = append(body, p.Payload...)

	return prefixLength(body), nil
}

// DecodeResponse parses a single complete (length-prefix already stripped)
// response frame body.
func DecodeResponse(body []byte) (*Packet, error) {
	msgID, rest, err := readMsgID(body)
	if err != nil {
		return nil, err
	}
	if len(rest) < 16 {
		return nil, malformed("response header truncated")
	}

	msgSeq := binary.LittleEndian.Uint16(rest[0:2])
	stageID := int64(binary.LittleEndian.Uint64(rest[2:10]))
	errorCode := binary.LittleEndian.Uint16(rest[10:12])
	originalSize := int32(binary.LittleEndian.Uint32(rest[12:16]))
	payload := rest[16:]

	return &Packet{
		MsgID:        msgID,
		MsgSeq:       msgSeq,
		StageID:      stageID,
		ErrorCode:    playhouseerr.Code(errorCode),
		OriginalSize: originalSize,
		Payload:      payload,
	}, nil
}

func validateMsgID(msgID string) error {
	if len(msgID) == 0 {
		return malformed("msgId must not be empty")
	}
	if len(msgID) > MaxMsgIDLen {
		return malformed("msgId exceeds 255 bytes")
	}
	return nil
}

func readMsgID(body []byte) (string, []byte, error) {
	if len(body) < 1 {
		return "", nil, malformed("missing msgIdLen")
	}
	msgIDLen := int(body[0])
	if msgIDLen == 0 {
		return "", nil, malformed("msgIdLen must not be zero")
	}
	if len(body) < 1+msgIDLen {
		return "", nil, malformed("msgId truncated")
	}
	return string(body[1 : 1+msgIDLen]), body[1+msgIDLen:], nil
}

func prefixLength(body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}
