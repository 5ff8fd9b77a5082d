// Package compress provides the body compressors used by the packet envelope.
// Nodes must agree on the compressor; nothing on the wire identifies it.
package compress

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// MaxDecodedSize caps the size of a decompressed body.
const MaxDecodedSize = 16 << 20

var (
	ErrUnknownCompressor = errors.New("compress: unknown compressor")
	ErrTooLarge          = errors.New("compress: decoded body too large")
)

// Compressor is a reversible byte transform. Implementations are safe for concurrent use.
type Compressor interface {
	Name() string
	Encode(src []byte) ([]byte, error)
	Decode(src []byte) ([]byte, error)
}

// None passes bodies through unchanged.
var None Compressor = noneCompressor{}

type noneCompressor struct{}

func (noneCompressor) Name() string                      { return "none" }
func (noneCompressor) Encode(src []byte) ([]byte, error) { return src, nil }
func (noneCompressor) Decode(src []byte) ([]byte, error) { return src, nil }

// Snappy compresses with the snappy block format.
var Snappy Compressor = snappyCompressor{}

type snappyCompressor struct{}

func (snappyCompressor) Name() string { return "snappy" }

func (snappyCompressor) Encode(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (snappyCompressor) Decode(src []byte) ([]byte, error) {
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return nil, err
	}
	if n > MaxDecodedSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
	}
	return snappy.Decode(nil, src)
}

type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstd returns a zstd compressor. EncodeAll/DecodeAll are safe for concurrent use.
func NewZstd() (Compressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("compress: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedSize))
	if err != nil {
		return nil, fmt.Errorf("compress: zstd decoder: %w", err)
	}
	return &zstdCompressor{enc: enc, dec: dec}, nil
}

func (z *zstdCompressor) Name() string { return "zstd" }

func (z *zstdCompressor) Encode(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, nil), nil
}

func (z *zstdCompressor) Decode(src []byte) ([]byte, error) {
	return z.dec.DecodeAll(src, nil)
}

// ByName resolves a compressor from configuration. The empty string means none.
func ByName(name string) (Compressor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none", "void":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "zstd":
		return NewZstd()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompressor, name)
	}
}
