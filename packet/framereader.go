package packet

import "encoding/binary"

// FrameReader accumulates bytes from a byte-stream transport (TCP) and
// yields complete length-prefixed frame bodies. A single Read from the
// underlying transport may contain multiple frames or a partial frame;
// FrameReader buffers until at least one full frame is available. WebSocket transports don't need a FrameReader: each WS message is
// already exactly one logical frame.
type FrameReader struct {
	maxPacketSize uint32
	buf           []byte
}

// NewFrameReader creates a FrameReader enforcing maxPacketSize (0 means
// DefaultMaxPacketSize).
func NewFrameReader(maxPacketSize uint32) *FrameReader {
	if maxPacketSize == 0 {
		maxPacketSize = DefaultMaxPacketSize
	}
	return &FrameReader{maxPacketSize: maxPacketSize}
}

// Feed appends newly-read transport bytes to the internal buffer.
func (f *FrameReader) Feed(data []byte) {
	f.buf = append(f.buf, data...)
}

// Next extracts one complete frame body (the bytes after the length
// prefix) from the buffer. ok is false when fewer bytes are buffered than
// a full frame requires — the caller should Feed more and retry. An error
// is returned only for a genuine framing violation (length over the
// configured ceiling), in which case the session MUST be closed.
func (f *FrameReader) Next() (body []byte, ok bool, err error) {
	if len(f.buf) < 4 {
		return nil, false, nil
	}

	length := binary.LittleEndian.Uint32(f.buf[0:4])
	if length > f.maxPacketSize {
		return nil, false, malformed("frame length exceeds maxPacketSize")
	}

	total := 4 + int(length)
	if len(f.buf) < total {
		return nil, false, nil
	}

	body = make([]byte, length)
	copy(body, f.buf[4:total])

	remaining := len(f.buf) - total
	if remaining > 0 {
		copy(f.buf, f.buf[total:])
	}
	f.buf = f.buf[:remaining]

	return body, true, nil
}
