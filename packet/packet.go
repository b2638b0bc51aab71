// Package packet implements the PlayHouse wire framing: the client-facing
// request/response codec and the S2S envelope codec.
package packet

import "github.com/playhouse-dev/playhouse/playhouseerr"

// DefaultMaxPacketSize is the default frame length ceiling.
const DefaultMaxPacketSize = 1 << 20 // 1 MiB

// MaxMsgIDLen is the maximum length of a Packet's MsgID, in bytes.
const MaxMsgIDLen = 255

// Packet is the envelope exchanged with clients.
type Packet struct {
	MsgID        string
	MsgSeq       uint16
	StageID      int64
	ErrorCode    playhouseerr.Code
	OriginalSize int32 // >0 means Payload is LZ4-block-compressed; uncompressed length
	Payload      []byte
}

// IsPush reports whether this packet is fire-and-forget.
func (p *Packet) IsPush() bool { return p.MsgSeq == 0 }

// IsRequest reports whether this packet expects a reply.
func (p *Packet) IsRequest() bool { return p.MsgSeq != 0 }

// IsCompressed reports whether Payload must be LZ4-decompressed before use.
func (p *Packet) IsCompressed() bool { return p.OriginalSize > 0 }
