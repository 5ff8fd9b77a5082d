// Package node is the local mesh participant: it knows its own identity,
// greets every new link with a welcome packet, keeps the mesh-wide set of
// known nodes in sync, and reports topology changes to a Listener.
package node

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/pkg/gossip"
	"github.com/ryandielhenn/zephyrbus/pkg/mesh"
	"github.com/ryandielhenn/zephyrbus/pkg/transport"
)

// propServer marks connections this node accepted.
const propServer = "zb.thisIsServer"

type Node struct {
	self       Identity
	mesh       *mesh.Manager
	connector  transport.Connector
	listenAddr string
	log        *zap.Logger
	nodes      *gossip.Basic[Identity]
	listener   Listener

	mu        sync.Mutex
	byConn    map[string]Identity
	byNode    map[Identity]transport.Conn
	listeners []transport.Listener
}

type Option func(*Node)

// WithListener installs the topology listener. The factory sees the Node so
// the listener can dial through it.
func WithListener(factory func(*Node) Listener) Option {
	return func(n *Node) { n.listener = factory(n) }
}

// WithListenAddr overrides the bind address. It defaults to self.Addr().
func WithListenAddr(addr string) Option {
	return func(n *Node) { n.listenAddr = addr }
}

func New(m *mesh.Manager, connector transport.Connector, self Identity, log *zap.Logger, opts ...Option) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	n := &Node{
		self:       self,
		mesh:       m,
		connector:  connector,
		listenAddr: self.Addr(),
		log:        log.Named("node").With(zap.Stringer("self", self)),
		listener:   NopListener{},
		byConn:     make(map[string]Identity),
		byNode:     make(map[Identity]transport.Conn),
	}
	for _, o := range opts {
		o(n)
	}

	n.nodes = gossip.NewBasic[Identity](mesh.NodeChannel, m, IdentityCodec{}, log)
	n.nodes.Add(self)
	n.nodes.OnUpdate(func(added []Identity, _ transport.Conn) {
		n.listener.NodesRegistered(added, true)
	})
	m.SetInternalHandler(mesh.WelcomeChannel, n.handleWelcome)
	m.OnDisconnect(n.handleDisconnect)
	return n
}

func (n *Node) Self() Identity      { return n.self }
func (n *Node) Mesh() *mesh.Manager { return n.mesh }

// Channel is shorthand for Mesh().GetChannel.
func (n *Node) Channel(name string) (*mesh.Channel, error) {
	return n.mesh.GetChannel(name)
}

// Listen binds the listen address and accepts peers in the background.
func (n *Node) Listen() error {
	ln, err := n.connector.Listen(n.listenAddr)
	if err != nil {
		return fmt.Errorf("node listen %s: %w", n.listenAddr, err)
	}
	n.mu.Lock()
	n.listeners = append(n.listeners, ln)
	n.mu.Unlock()
	n.log.Info("listening", zap.String("addr", ln.Addr()))

	go func() {
		err := ln.Serve(func(c transport.Conn) {
			c.Properties().Set(propServer, true)
			n.log.Info("peer connected", zap.String("remote", c.RemoteAddr()))
			n.addConnection(c)
			n.listener.PreConnected(nil, true)
		})
		if err != nil {
			n.log.Error("accept loop stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the address of the first listener, or the configured one before Listen.
func (n *Node) Addr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.listeners) > 0 {
		return n.listeners[0].Addr()
	}
	return n.listenAddr
}

// Connect dials other. A failure is reported to the listener and returned.
func (n *Node) Connect(ctx context.Context, other Identity) error {
	c, err := n.connector.Dial(ctx, other.Addr())
	if err != nil {
		n.log.Info("connection attempt failed", zap.Stringer("remote", other), zap.Error(err))
		n.listener.ConnectionAttemptFailed(other, err)
		return err
	}
	c.Properties().Set(propServer, false)
	n.addConnection(c)
	n.listener.PreConnected(&other, false)
	n.log.Info("connected", zap.Stringer("remote", other))
	return nil
}

func (n *Node) addConnection(c transport.Conn) {
	n.mesh.AddConnection(c)
	n.nodes.OnConnected(c)

	hello, err := IdentityCodec{}.Append(nil, n.self)
	if err == nil {
		err = n.mesh.SendPacket(mesh.WelcomeChannel, hello, c)
	}
	if err != nil {
		n.log.Error("send welcome", zap.Error(err))
		c.Close()
	}
}

func thisIsServer(c transport.Conn) bool {
	v, ok := c.Properties().Get(propServer)
	if !ok {
		return true
	}
	b, _ := v.(bool)
	return b
}

func (n *Node) handleWelcome(payload []byte, c transport.Conn) {
	remote, _, err := IdentityCodec{}.Decode(payload)
	if err != nil {
		n.log.Warn("bad welcome, closing connection", zap.String("conn", c.ID()), zap.Error(err))
		c.Close()
		return
	}
	if remote == n.self {
		n.log.Info("connected to self, closing", zap.String("conn", c.ID()))
		c.Close()
		return
	}

	n.mu.Lock()
	if _, welcomed := n.byConn[c.ID()]; welcomed {
		n.mu.Unlock()
		n.log.Debug("repeated welcome ignored", zap.String("conn", c.ID()))
		return
	}
	if old, dup := n.byNode[remote]; dup {
		if !n.prefer(c, remote) {
			n.mu.Unlock()
			n.log.Info("already connected, closing new link", zap.Stringer("remote", remote))
			c.Close()
			return
		}
		// the new link wins; forget the old one so its disconnect stays silent
		delete(n.byConn, old.ID())
		n.byNode[remote] = c
		n.byConn[c.ID()] = remote
		n.mu.Unlock()
		n.log.Info("replacing duplicate link", zap.Stringer("remote", remote))
		old.Close()
		return
	}
	n.byNode[remote] = c
	n.byConn[c.ID()] = remote
	n.mu.Unlock()

	n.log.Info("node connected", zap.Stringer("remote", remote))
	n.listener.Connected(remote, thisIsServer(c))
}

// prefer reports whether c should replace an existing link to remote. Both
// ends keep the link dialed by the node with the smaller identity string.
//
// Always closing the newer link is not enough: when two nodes dial each other
// at once, each sees the other's link second and both links get closed, or
// each end keeps a different one. Choosing by dialer makes the two ends pick
// the same link; the cost is that the dropped link's sync state is rebuilt.
func (n *Node) prefer(c transport.Conn, remote Identity) bool {
	dialer := n.self
	if thisIsServer(c) {
		dialer = remote
	}
	return dialer.String() == min(n.self.String(), remote.String())
}

func (n *Node) handleDisconnect(c transport.Conn) {
	n.mu.Lock()
	remote, ok := n.byConn[c.ID()]
	if ok {
		delete(n.byConn, c.ID())
		if cur, same := n.byNode[remote]; same && cur.ID() == c.ID() {
			delete(n.byNode, remote)
		}
	}
	n.mu.Unlock()
	if !ok {
		return
	}
	n.log.Info("node disconnected", zap.Stringer("remote", remote))
	n.listener.Disconnected(remote)
}

// AddNodes makes ids known mesh-wide and returns the ones that were new.
func (n *Node) AddNodes(ids ...Identity) []Identity {
	added := n.nodes.Add(ids...)
	if len(added) > 0 {
		n.listener.NodesRegistered(added, false)
	}
	return added
}

// KnownNodes returns every identity known to the mesh, self included, sorted.
func (n *Node) KnownNodes() []Identity {
	return sortIdentities(n.nodes.Entries())
}

// ConnectedNodes returns the peers whose welcome has been accepted, sorted.
func (n *Node) ConnectedNodes() []Identity {
	n.mu.Lock()
	out := make([]Identity, 0, len(n.byNode))
	for id := range n.byNode {
		out = append(out, id)
	}
	n.mu.Unlock()
	return sortIdentities(out)
}

// IsConnected reports whether a welcomed link to id exists.
func (n *Node) IsConnected(id Identity) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.byNode[id]
	return ok
}

// KnownNodesEncoded snapshots the known set for LoadEncodedNodes.
func (n *Node) KnownNodesEncoded() ([]byte, error) {
	return n.nodes.Encode()
}

func (n *Node) LoadEncodedNodes(b []byte) error {
	added, err := n.nodes.DecodeAndAdd(b)
	if err != nil {
		return fmt.Errorf("node: load known nodes: %w", err)
	}
	if len(added) > 0 {
		n.listener.NodesRegistered(added, false)
	}
	return nil
}

// Close stops accepting and closes every link, welcomed or not.
func (n *Node) Close() error {
	n.mu.Lock()
	lns := n.listeners
	n.listeners = nil
	conns := make(map[string]transport.Conn, len(n.byNode))
	for _, c := range n.byNode {
		conns[c.ID()] = c
	}
	n.mu.Unlock()
	for _, c := range n.mesh.Connections() {
		conns[c.ID()] = c
	}

	var err error
	for _, ln := range lns {
		err = multierr.Append(err, ln.Close())
	}
	for _, c := range conns {
		if cerr := c.Close(); !errors.Is(cerr, transport.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}

func sortIdentities(ids []Identity) []Identity {
	slices.SortFunc(ids, func(a, b Identity) int {
		if a.Tier != b.Tier {
			return a.Tier - b.Tier
		}
		if a.Host != b.Host {
			if a.Host < b.Host {
				return -1
			}
			return 1
		}
		return a.Port - b.Port
	})
	return ids
}
