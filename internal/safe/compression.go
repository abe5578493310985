// internal/safe/compression.go
package safe

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// zstdMagic prefixes every zstd frame.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// CompressionOptions configures payload compression.
type CompressionOptions struct {
	Enabled bool
	// Minimum payload size in bytes before compression is attempted
	MinSize int
	// zstd level (1=fastest, 4=best)
	Level int
}

// DefaultCompressionOptions provides sensible defaults
func DefaultCompressionOptions() CompressionOptions {
	return CompressionOptions{
		Enabled: true,
		MinSize: 1024,
		Level:   2,
	}
}

// compressor wraps one encoder and one decoder; EncodeAll and DecodeAll are
// safe for concurrent use.
type compressor struct {
	opts CompressionOptions
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

func newCompressor(opts CompressionOptions) (*compressor, error) {
	if opts.MinSize <= 0 {
		opts.MinSize = DefaultCompressionOptions().MinSize
	}
	if opts.Level <= 0 {
		opts.Level = DefaultCompressionOptions().Level
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.Level)),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("creating encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating decoder: %w", err)
	}

	return &compressor{opts: opts, enc: enc, dec: dec}, nil
}

// compress returns the encoded payload and true, or the input and false when
// the payload is too small or does not shrink.
func (c *compressor) compress(content []byte) ([]byte, bool) {
	if c == nil || len(content) < c.opts.MinSize {
		return content, false
	}

	out := c.enc.EncodeAll(content, make([]byte, 0, len(content)/2))
	if len(out) >= len(content) {
		return content, false
	}
	return out, true
}

func (c *compressor) decompress(content []byte) ([]byte, error) {
	if !bytes.HasPrefix(content, zstdMagic) {
		return nil, fmt.Errorf("payload is not a zstd frame")
	}
	if c == nil {
		// Compression may have been disabled after the payload was written.
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(content, nil)
	}
	return c.dec.DecodeAll(content, nil)
}

func (c *compressor) close() {
	if c == nil {
		return
	}
	c.enc.Close()
	c.dec.Close()
}
