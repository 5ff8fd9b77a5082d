package gossip

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

// MaxChunkBytes bounds one encoded delta. Larger deltas are split.
const MaxChunkBytes = 32 << 10

const maxEntriesPerChunk = 0xFFFF

var ErrEntryTooLarge = errors.New("gossip: entry too large")

// Codec writes and reads single set entries.
type Codec[T any] interface {
	Append(dst []byte, v T) ([]byte, error)
	// Decode reads one entry and reports how many bytes it used.
	Decode(b []byte) (T, int, error)
}

// StringCodec encodes strings as [u8 length][bytes].
type StringCodec struct{}

func (StringCodec) Append(dst []byte, v string) ([]byte, error) {
	return wire.AppendByteString(dst, []byte(v))
}

func (StringCodec) Decode(b []byte) (string, int, error) {
	s, rest, err := wire.ReadByteString(b)
	if err != nil {
		return "", 0, err
	}
	return string(s), len(b) - len(rest), nil
}

// EncodeEntries encodes entries as one or more [u16 count][entries...]
// payloads, none longer than limit (limit <= 0 selects MaxChunkBytes).
// An empty input yields no payloads.
func EncodeEntries[T any](c Codec[T], entries []T, limit int) ([][]byte, error) {
	if limit <= 0 {
		limit = MaxChunkBytes
	}
	var (
		out   [][]byte
		cur   = make([]byte, 2, 256)
		count int
		tmp   []byte
	)
	flush := func() {
		binary.BigEndian.PutUint16(cur, uint16(count))
		out = append(out, cur)
		cur = make([]byte, 2, 256)
		count = 0
	}
	for _, e := range entries {
		var err error
		tmp, err = c.Append(tmp[:0], e)
		if err != nil {
			return nil, err
		}
		if 2+len(tmp) > limit {
			return nil, fmt.Errorf("%w: %d bytes", ErrEntryTooLarge, len(tmp))
		}
		if count > 0 && (len(cur)+len(tmp) > limit || count == maxEntriesPerChunk) {
			flush()
		}
		cur = append(cur, tmp...)
		count++
	}
	if count > 0 {
		flush()
	}
	return out, nil
}

// DecodeEntries reads one payload written by EncodeEntries.
func DecodeEntries[T any](c Codec[T], b []byte) ([]T, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("%w: missing entry count", wire.ErrMalformedPacket)
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		v, used, err := c.Decode(b)
		if err != nil {
			return nil, fmt.Errorf("gossip: entry %d of %d: %w", i, n, err)
		}
		out = append(out, v)
		b = b[used:]
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after entries", wire.ErrMalformedPacket, len(b))
	}
	return out, nil
}
