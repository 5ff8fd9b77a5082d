package gossip

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/pkg/transport"
)

// Graph is the graph-aware Synchronizer.
//
// For every neighbor it keeps two sets in the connection's properties:
// behind, the entries that neighbor has told us about, and transmitted, the
// entries already sent to it. A neighbor X is owed own ∪ behind(Y) for every
// Y != X, minus transmitted(X).
type Graph[T comparable] struct {
	base[T]
	stateKey string

	mu        sync.Mutex
	own       set[T]
	listeners []func([]T, transport.Conn)
}

type peerState[T comparable] struct {
	behind      set[T]
	transmitted set[T]
}

type delta[T any] struct {
	conn    transport.Conn
	entries []T
}

// NewGraph creates a Graph on channel and installs its handler on f.
func NewGraph[T comparable](channel string, f Fabric, c Codec[T], log *zap.Logger) *Graph[T] {
	g := &Graph[T]{
		base:     newBase(channel, f, c, log),
		stateKey: channel + ".state",
		own:      make(set[T]),
	}
	f.SetInternalHandler(channel, g.handleUpdate)
	return g
}

func (g *Graph[T]) Add(entries ...T) []T {
	g.mu.Lock()
	var added []T
	for _, e := range entries {
		if !g.own.has(e) {
			g.own[e] = struct{}{}
			added = append(added, e)
		}
	}
	if len(added) == 0 {
		g.mu.Unlock()
		return nil
	}
	conns := g.fabric.Connections()
	plan := g.planLocked(conns, conns)
	g.mu.Unlock()

	g.flush(plan)
	return added
}

func (g *Graph[T]) OnConnected(c transport.Conn) {
	g.mu.Lock()
	plan := g.planLocked(g.fabric.Connections(), []transport.Conn{c})
	g.mu.Unlock()
	g.flush(plan)
}

func (g *Graph[T]) handleUpdate(payload []byte, from transport.Conn) {
	entries, err := g.decode(payload)
	if err != nil {
		g.log.Warn("bad sync update, closing connection", zap.String("conn", from.ID()), zap.Error(err))
		from.Close()
		return
	}

	g.mu.Lock()
	conns := g.fabric.Connections()
	known := g.knownLocked(conns, nil)
	st := g.peer(from)
	var added []T
	for _, e := range entries {
		st.behind[e] = struct{}{}
		if !known.has(e) {
			known[e] = struct{}{}
			added = append(added, e)
		}
	}
	targets := make([]transport.Conn, 0, len(conns))
	for _, c := range conns {
		if c.ID() != from.ID() {
			targets = append(targets, c)
		}
	}
	plan := g.planLocked(conns, targets)
	listeners := g.listeners
	g.mu.Unlock()

	g.flush(plan)
	if len(added) > 0 {
		for _, fn := range listeners {
			fn(added, from)
		}
	}
}

// Entries returns the locally added entries.
func (g *Graph[T]) Entries() []T {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.own.list()
}

// All returns every entry this node knows of, local or behind any neighbor.
func (g *Graph[T]) All() []T {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.knownLocked(g.fabric.Connections(), nil).list()
}

// EntriesBehind returns what c has reported from its side of the mesh.
func (g *Graph[T]) EntriesBehind(c transport.Conn) []T {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peer(c).behind.list()
}

// Behind reports whether e lies beyond c.
func (g *Graph[T]) Behind(c transport.Conn, e T) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peer(c).behind.has(e)
}

// Has reports whether e was added locally.
func (g *Graph[T]) Has(e T) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.own.has(e)
}

func (g *Graph[T]) Encode() ([]byte, error) {
	return g.encode(g.All())
}

func (g *Graph[T]) DecodeAndAdd(b []byte) ([]T, error) {
	entries, err := g.decode(b)
	if err != nil {
		return nil, err
	}
	return g.Add(entries...), nil
}

func (g *Graph[T]) OnUpdate(fn func(added []T, from transport.Conn)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners[:len(g.listeners):len(g.listeners)], fn)
}

func (g *Graph[T]) peer(c transport.Conn) *peerState[T] {
	return c.Properties().LoadOrStore(g.stateKey, func() any {
		return &peerState[T]{behind: make(set[T]), transmitted: make(set[T])}
	}).(*peerState[T])
}

// knownLocked is own ∪ behind(c) for every c in conns other than exclude.
func (g *Graph[T]) knownLocked(conns []transport.Conn, exclude transport.Conn) set[T] {
	out := make(set[T], len(g.own))
	for e := range g.own {
		out[e] = struct{}{}
	}
	for _, c := range conns {
		if exclude != nil && c.ID() == exclude.ID() {
			continue
		}
		for e := range g.peer(c).behind {
			out[e] = struct{}{}
		}
	}
	return out
}

// planLocked computes what each target is still owed and marks it transmitted.
func (g *Graph[T]) planLocked(conns, targets []transport.Conn) []delta[T] {
	var plan []delta[T]
	for _, c := range targets {
		st := g.peer(c)
		var missing []T
		for e := range g.knownLocked(conns, c) {
			if !st.transmitted.has(e) {
				st.transmitted[e] = struct{}{}
				missing = append(missing, e)
			}
		}
		if len(missing) > 0 {
			plan = append(plan, delta[T]{conn: c, entries: missing})
		}
	}
	return plan
}

func (g *Graph[T]) flush(plan []delta[T]) {
	for _, d := range plan {
		g.send(d.conn, d.entries)
	}
}
