package packet

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// Compress LZ4-block-compresses payload when it exceeds threshold. It returns the possibly-compressed payload
// and the OriginalSize to stamp onto the Packet (0 when left uncompressed).
func Compress(payload []byte, threshold int) (out []byte, originalSize int32, err error) {
	if len(payload) <= threshold {
		return payload, 0, nil
	}

	buf := make([]byte, lz4.CompressBlockBound(len(payload)))
	var compressor lz4.Compressor
	n, err := compressor.CompressBlock(payload, buf)
	if err != nil {
		return nil, 0, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(payload) {
		// incompressible: CompressBlock returns n==0 in this case.
		return payload, 0, nil
	}

	return buf[:n], int32(len(payload)), nil
}

// Decompress reverses Compress. originalSize must be the Packet's
// OriginalSize field (already confirmed > 0 by the caller).
func Decompress(payload []byte, originalSize int32) ([]byte, error) {
	out := make([]byte, originalSize)
	n, err := lz4.UncompressBlock(payload, out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if int32(n) != originalSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, want %d", n, originalSize)
	}
	return out, nil
}

// DecompressPayload returns p.Payload decompressed when p.IsCompressed(),
// or p.Payload unchanged otherwise; p itself is not modified. Recipients
// MUST call this before surfacing a
// packet's payload to user code.
func DecompressPayload(p *Packet) ([]byte, error) {
	if !p.IsCompressed() {
		return p.Payload, nil
	}
	return Decompress(p.Payload, p.OriginalSize)
}
