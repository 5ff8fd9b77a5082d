package gossip

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/pkg/transport"
)

// Basic is the flooding Synchronizer. Every new entry goes to every
// neighbor except the one it came from; nothing is tracked per neighbor.
// Node membership uses it: the set is small and changes rarely.
type Basic[T comparable] struct {
	base[T]

	mu        sync.Mutex
	entries   set[T]
	listeners []func([]T, transport.Conn)
}

// NewBasic creates a Basic on channel and installs its handler on f.
func NewBasic[T comparable](channel string, f Fabric, c Codec[T], log *zap.Logger) *Basic[T] {
	b := &Basic[T]{
		base:    newBase(channel, f, c, log),
		entries: make(set[T]),
	}
	f.SetInternalHandler(channel, b.handleUpdate)
	return b
}

func (b *Basic[T]) Add(entries ...T) []T {
	added := b.merge(entries)
	for _, c := range b.fabric.Connections() {
		b.send(c, added)
	}
	return added
}

func (b *Basic[T]) OnConnected(c transport.Conn) {
	b.send(c, b.Entries())
}

func (b *Basic[T]) handleUpdate(payload []byte, from transport.Conn) {
	entries, err := b.decode(payload)
	if err != nil {
		b.log.Warn("bad sync update, closing connection", zap.String("conn", from.ID()), zap.Error(err))
		from.Close()
		return
	}
	added := b.merge(entries)
	if len(added) == 0 {
		return
	}
	for _, c := range b.fabric.Connections() {
		if c.ID() != from.ID() {
			b.send(c, added)
		}
	}

	b.mu.Lock()
	listeners := b.listeners
	b.mu.Unlock()
	for _, fn := range listeners {
		fn(added, from)
	}
}

func (b *Basic[T]) merge(entries []T) []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	var added []T
	for _, e := range entries {
		if !b.entries.has(e) {
			b.entries[e] = struct{}{}
			added = append(added, e)
		}
	}
	return added
}

// Entries returns every known entry, local or learned.
func (b *Basic[T]) Entries() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.list()
}

func (b *Basic[T]) Has(e T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.has(e)
}

func (b *Basic[T]) Encode() ([]byte, error) {
	return b.encode(b.Entries())
}

func (b *Basic[T]) DecodeAndAdd(p []byte) ([]T, error) {
	entries, err := b.decode(p)
	if err != nil {
		return nil, err
	}
	return b.Add(entries...), nil
}

func (b *Basic[T]) OnUpdate(fn func(added []T, from transport.Conn)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners[:len(b.listeners):len(b.listeners)], fn)
}

var (
	_ Synchronizer[string] = (*Graph[string])(nil)
	_ Synchronizer[string] = (*Basic[string])(nil)
)
