package gossip

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/internal/telemetry"
	"github.com/ryandielhenn/zephyrbus/pkg/transport"
)

// Synchronizer replicates a set of T across the mesh.
type Synchronizer[T comparable] interface {
	// Add inserts local entries, gossips the new ones and returns them.
	Add(entries ...T) []T
	// OnConnected sends a new neighbor everything it is missing.
	OnConnected(c transport.Conn)
	// Entries is a snapshot of the set as seen by this node.
	Entries() []T
	// Encode serialises the whole set as one payload.
	Encode() ([]byte, error)
	// DecodeAndAdd adds a payload produced by Encode.
	DecodeAndAdd(b []byte) ([]T, error)
	// OnUpdate registers fn for entries learned from a neighbor.
	OnUpdate(fn func(added []T, from transport.Conn))
}

// base holds what both variants share: the channel, codec, and send path.
type base[T comparable] struct {
	channel string
	fabric  Fabric
	codec   Codec[T]
	log     *zap.Logger
}

func newBase[T comparable](channel string, f Fabric, c Codec[T], log *zap.Logger) base[T] {
	if log == nil {
		log = zap.NewNop()
	}
	return base[T]{
		channel: channel,
		fabric:  f,
		codec:   c,
		log:     log.Named("gossip").With(zap.String("channel", channel)),
	}
}

// send writes entries to one neighbor, split into as many packets as needed.
func (b *base[T]) send(c transport.Conn, entries []T) {
	if len(entries) == 0 {
		return
	}
	chunks, err := EncodeEntries(b.codec, entries, 0)
	if err != nil {
		b.log.Error("encode delta", zap.Error(err))
		return
	}
	for _, chunk := range chunks {
		if err := b.fabric.SendPacket(b.channel, chunk, c); err != nil {
			b.log.Debug("send delta", zap.String("conn", c.ID()), zap.Error(err))
			return
		}
	}
	telemetry.SyncEntriesSent.WithLabelValues(b.channel).Add(float64(len(entries)))
	b.log.Debug("sent delta", zap.String("conn", c.ID()), zap.Int("entries", len(entries)), zap.Int("packets", len(chunks)))
}

func (b *base[T]) decode(payload []byte) ([]T, error) {
	entries, err := DecodeEntries(b.codec, payload)
	if err != nil {
		return nil, fmt.Errorf("gossip %s: %w", b.channel, err)
	}
	return entries, nil
}

func (b *base[T]) encode(entries []T) ([]byte, error) {
	chunks, err := EncodeEntries(b.codec, entries, 1<<30)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return []byte{0, 0}, nil
	}
	if len(chunks) > 1 {
		return nil, fmt.Errorf("gossip %s: %d entries exceed one snapshot", b.channel, len(entries))
	}
	return chunks[0], nil
}

type set[T comparable] map[T]struct{}

func (s set[T]) has(v T) bool {
	_, ok := s[v]
	return ok
}

func (s set[T]) list() []T {
	out := make([]T, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	return out
}
