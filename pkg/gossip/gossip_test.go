package gossip

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrbus/pkg/transport"
	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

// fakeNode is an in-memory Fabric that delivers packets synchronously.
type fakeNode struct {
	name string
	net  *fakeNet

	mu       sync.Mutex
	conns    []transport.Conn
	handlers map[string]func([]byte, transport.Conn)
}

type fakeNet struct {
	mu   sync.Mutex
	sent map[string]int // "from>to:entry" -> times sent
}

type fakeConn struct {
	id     string
	owner  *fakeNode
	peer   *fakeConn
	props  transport.Properties
	closed atomic.Bool
}

func (c *fakeConn) ID() string                        { return c.id }
func (c *fakeConn) RemoteAddr() string                { return c.peer.owner.name }
func (c *fakeConn) Start(transport.Handlers)          {}
func (c *fakeConn) Send([]byte) error                 { return nil }
func (c *fakeConn) Close() error                      { c.closed.Store(true); return nil }
func (c *fakeConn) Properties() *transport.Properties { return &c.props }

func newFakeNet() *fakeNet { return &fakeNet{sent: map[string]int{}} }

func (n *fakeNet) node(name string) *fakeNode {
	return &fakeNode{name: name, net: n, handlers: map[string]func([]byte, transport.Conn){}}
}

func (n *fakeNode) Connections() []transport.Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]transport.Conn(nil), n.conns...)
}

func (n *fakeNode) SetInternalHandler(channel string, h func([]byte, transport.Conn)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[channel] = h
}

func (n *fakeNode) SendPacket(channel string, payload []byte, targets ...transport.Conn) error {
	entries, err := DecodeEntries[string](StringCodec{}, payload)
	if err != nil {
		return err
	}
	for _, t := range targets {
		fc := t.(*fakeConn)
		remote := fc.peer
		n.net.mu.Lock()
		for _, e := range entries {
			n.net.sent[n.name+">"+remote.owner.name+":"+e]++
		}
		n.net.mu.Unlock()

		remote.owner.mu.Lock()
		h := remote.owner.handlers[channel]
		remote.owner.mu.Unlock()
		h(append([]byte(nil), payload...), remote)
	}
	return nil
}

// link connects a and b without notifying any synchronizer.
func link(a, b *fakeNode) (ab, ba *fakeConn) {
	ab = &fakeConn{id: a.name + "->" + b.name, owner: a}
	ba = &fakeConn{id: b.name + "->" + a.name, owner: b}
	ab.peer, ba.peer = ba, ab
	a.mu.Lock()
	a.conns = append(a.conns, ab)
	a.mu.Unlock()
	b.mu.Lock()
	b.conns = append(b.conns, ba)
	b.mu.Unlock()
	return ab, ba
}

func sorted(v []string) []string {
	out := append([]string(nil), v...)
	sort.Strings(out)
	return out
}

func TestGraphConvergesOnCyclicMesh(t *testing.T) {
	log := zaptest.NewLogger(t)
	net := newFakeNet()
	names := []string{"a", "b", "c", "d", "e"}
	nodes := map[string]*fakeNode{}
	syncs := map[string]*Graph[string]{}
	for _, n := range names {
		nodes[n] = net.node(n)
		syncs[n] = NewGraph[string]("zb.sub", nodes[n], StringCodec{}, log)
	}

	// entries added before any link exists
	syncs["a"].Add("ch-a")
	syncs["b"].Add("ch-b")

	edges := [][2]string{{"a", "b"}, {"b", "c"}, {"c", "a"}, {"c", "d"}, {"d", "e"}, {"e", "b"}}
	for _, e := range edges {
		ab, ba := link(nodes[e[0]], nodes[e[1]])
		syncs[e[0]].OnConnected(ab)
		syncs[e[1]].OnConnected(ba)
	}

	// and after
	syncs["c"].Add("ch-c")
	syncs["d"].Add("ch-d")
	syncs["e"].Add("ch-e")

	want := []string{"ch-a", "ch-b", "ch-c", "ch-d", "ch-e"}
	for _, n := range names {
		assert.Equal(t, want, sorted(syncs[n].All()), "node %s", n)
	}

	for key, count := range net.sent {
		assert.Equal(t, 1, count, "entry sent more than once across %s", key)
	}
}

func TestGraphNeverEchoesToOrigin(t *testing.T) {
	net := newFakeNet()
	a, b := net.node("a"), net.node("b")
	ga := NewGraph[string]("zb.sub", a, StringCodec{}, nil)
	gb := NewGraph[string]("zb.sub", b, StringCodec{}, nil)
	ab, ba := link(a, b)
	ga.OnConnected(ab)
	gb.OnConnected(ba)

	ga.Add("x")
	assert.True(t, gb.Behind(ba, "x"))
	assert.Equal(t, []string{"x"}, gb.EntriesBehind(ba))
	assert.Empty(t, gb.Entries(), "learned entries are not local")
	assert.Zero(t, net.sent["b>a:x"])
	assert.False(t, ga.Behind(ab, "x"))
}

func TestGraphOnUpdateReportsOnlyNewEntries(t *testing.T) {
	net := newFakeNet()
	a, b, c := net.node("a"), net.node("b"), net.node("c")
	ga := NewGraph[string]("s", a, StringCodec{}, nil)
	gb := NewGraph[string]("s", b, StringCodec{}, nil)
	gc := NewGraph[string]("s", c, StringCodec{}, nil)

	var mu sync.Mutex
	var seen []string
	gc.OnUpdate(func(added []string, from transport.Conn) {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range added {
			seen = append(seen, from.ID()+":"+e)
		}
	})

	ab, ba := link(a, b)
	ga.OnConnected(ab)
	gb.OnConnected(ba)
	bc, cb := link(b, c)
	gb.OnConnected(bc)
	gc.OnConnected(cb)

	ga.Add("x", "y")
	ga.Add("x")
	gc.Add("z")

	assert.Equal(t, []string{"c->b:x", "c->b:y"}, sorted(seen))
}

func TestGraphSnapshot(t *testing.T) {
	net := newFakeNet()
	g := NewGraph[string]("s", net.node("a"), StringCodec{}, nil)
	g.Add("one", "two")

	b, err := g.Encode()
	require.NoError(t, err)

	other := NewGraph[string]("s", net.node("b"), StringCodec{}, nil)
	added, err := other.DecodeAndAdd(b)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, sorted(added))
	assert.True(t, other.Has("one"))

	empty, err := NewGraph[string]("s", net.node("c"), StringCodec{}, nil).Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, empty)
}

func TestMalformedUpdateClosesConnection(t *testing.T) {
	net := newFakeNet()
	a, b := net.node("a"), net.node("b")
	NewGraph[string]("s", a, StringCodec{}, nil)
	NewBasic[string]("n", a, StringCodec{}, nil)
	ab, _ := link(a, b)

	a.handlers["s"]([]byte{0, 3, 1}, ab)
	assert.True(t, ab.closed.Load())

	ab.closed.Store(false)
	a.handlers["n"]([]byte{9}, ab)
	assert.True(t, ab.closed.Load())
}

func TestBasicFloodsAlongChain(t *testing.T) {
	net := newFakeNet()
	nodes := []*fakeNode{net.node("a"), net.node("b"), net.node("c")}
	syncs := make([]*Basic[string], len(nodes))
	for i, n := range nodes {
		syncs[i] = NewBasic[string]("zb.nod", n, StringCodec{}, nil)
	}

	var from string
	syncs[2].OnUpdate(func(added []string, c transport.Conn) { from = c.ID() })

	ab, ba := link(nodes[0], nodes[1])
	syncs[0].OnConnected(ab)
	syncs[1].OnConnected(ba)
	syncs[0].Add("a:1")

	bc, cb := link(nodes[1], nodes[2])
	syncs[1].OnConnected(bc)
	syncs[2].OnConnected(cb)

	assert.Equal(t, []string{"a:1"}, syncs[2].Entries())
	assert.Equal(t, "c->b", from)

	syncs[2].Add("c:1")
	assert.ElementsMatch(t, []string{"a:1", "c:1"}, syncs[0].Entries())
	assert.Zero(t, net.sent["b>c:c:1"], "never sent back to origin")
}

func TestEncodeEntriesSplitsByLimit(t *testing.T) {
	var entries []string
	for i := range 100 {
		entries = append(entries, fmt.Sprintf("entry-%03d", i)) // 10 bytes + 1 length byte
	}
	chunks, err := EncodeEntries[string](StringCodec{}, entries, 2+11*30)
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	var got []string
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 2+11*30)
		part, err := DecodeEntries[string](StringCodec{}, c)
		require.NoError(t, err)
		got = append(got, part...)
	}
	assert.Equal(t, entries, got)

	none, err := EncodeEntries[string](StringCodec{}, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestEncodeEntriesRejectsOversizedEntry(t *testing.T) {
	_, err := EncodeEntries[string](StringCodec{}, []string{strings.Repeat("x", 50)}, 20)
	require.ErrorIs(t, err, ErrEntryTooLarge)

	_, err = EncodeEntries[string](StringCodec{}, []string{strings.Repeat("x", 256)}, 0)
	require.ErrorIs(t, err, wire.ErrMessageTooLarge)
}

func TestDecodeEntriesRejectsTrailingBytes(t *testing.T) {
	_, err := DecodeEntries[string](StringCodec{}, []byte{0, 1, 1, 'a', 'b'})
	require.ErrorIs(t, err, wire.ErrMalformedPacket)

	_, err = DecodeEntries[string](StringCodec{}, []byte{0})
	require.ErrorIs(t, err, wire.ErrMalformedPacket)
}
