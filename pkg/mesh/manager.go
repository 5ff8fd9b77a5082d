// Package mesh is the connection manager: it owns neighbor connections,
// routes packets between them and exposes named publish/subscribe channels.
//
// A packet received from a neighbor is dropped if its id was seen before,
// handed to an internal handler if its channel is reserved, and otherwise
// delivered to local listeners and forwarded verbatim to every other
// neighbor behind which the channel has a subscriber.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/internal/dispatch"
	"github.com/ryandielhenn/zephyrbus/internal/telemetry"
	"github.com/ryandielhenn/zephyrbus/pkg/compress"
	"github.com/ryandielhenn/zephyrbus/pkg/dedup"
	"github.com/ryandielhenn/zephyrbus/pkg/gossip"
	"github.com/ryandielhenn/zephyrbus/pkg/transport"
	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

var ErrReservedChannel = errors.New("mesh: reserved channel name")

// InternalHandler consumes packets of a reserved channel.
type InternalHandler func(payload []byte, from transport.Conn)

// Stats are the manager's packet counters.
type Stats struct {
	Connections int `json:"connections"`
	// Received counts unique packets; ReceivedWithDuplicates counts every packet.
	Received               uint64 `json:"received"`
	ReceivedWithDuplicates uint64 `json:"received_with_duplicates"`
	Delivered              uint64 `json:"delivered"`
	Forwarded              uint64 `json:"forwarded"`
	Published              uint64 `json:"published"`
}

// Manager is safe for concurrent use.
type Manager struct {
	cfg     Config
	log     *zap.Logger
	clock   clock.Clock
	codec   compress.Compressor
	dedup   *dedup.Registry
	pool    *dispatch.Pool
	ownPool bool
	subs    *gossip.Graph[string]
	hb      *heartbeat

	conns     sync.Map // conn id -> *link
	listeners sync.Map // channel -> *listenerSet
	internal  sync.Map // channel -> InternalHandler

	mu           sync.Mutex
	onDisconnect []func(transport.Conn)

	received, receivedAll, delivered, forwarded, published atomic.Uint64
}

type link struct {
	conn  transport.Conn
	queue *dispatch.Queue
}

// New builds a Manager. Call Start before adding connections.
func New(cfg Config, log *zap.Logger, opts ...Option) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:     cfg,
		log:     log.Named("mesh"),
		codec:   compress.None,
		ownPool: true,
	}
	for _, o := range opts {
		o(m)
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.pool == nil {
		m.pool = dispatch.NewPool(cfg.Workers, m.log)
	}
	m.dedup = dedup.New(cfg.Dedup, m.clock)
	m.subs = gossip.NewGraph[string](SubscriptionChannel, m, gossip.StringCodec{}, log)
	m.hb = newHeartbeat(m, cfg.HeartbeatInterval, cfg.HeartbeatTimeout, log)
	m.SetInternalHandler(HeartbeatChannel, func([]byte, transport.Conn) {})
	return m
}

// Start launches the worker pool, dedup rotation and heartbeats.
func (m *Manager) Start(ctx context.Context) {
	if m.ownPool {
		m.pool.Start(ctx)
	}
	m.dedup.Start(ctx)
	m.hb.start(ctx)
}

// Stop closes every connection and stops background work.
func (m *Manager) Stop() error {
	m.hb.stop()
	m.dedup.Stop()
	var err error
	for _, c := range m.Connections() {
		if cerr := c.Close(); cerr != nil && !errors.Is(cerr, transport.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	if m.ownPool {
		err = multierr.Append(err, m.pool.Stop())
	}
	return err
}

// AddConnection makes c a neighbor. Its callbacks run on the worker pool, in order.
func (m *Manager) AddConnection(c transport.Conn) {
	l := &link{conn: c, queue: m.pool.NewQueue()}
	if _, loaded := m.conns.LoadOrStore(c.ID(), l); loaded {
		return
	}
	telemetry.Connections.Inc()
	m.hb.markAlive(c)
	m.log.Info("connection added", zap.String("conn", c.ID()), zap.String("remote", c.RemoteAddr()))

	c.Start(transport.Handlers{
		OnMessage: func(frame []byte) {
			l.queue.Push(func() { m.handleFrame(c, frame) })
		},
		OnError: func(err error) {
			l.queue.Push(func() {
				m.log.Warn("connection error", zap.String("conn", c.ID()), zap.Error(err))
			})
		},
		OnDisconnect: func() {
			l.queue.Push(func() { m.removeConnection(c) })
		},
	})
	m.subs.OnConnected(c)
}

func (m *Manager) removeConnection(c transport.Conn) {
	if _, loaded := m.conns.LoadAndDelete(c.ID()); !loaded {
		return
	}
	telemetry.Connections.Dec()
	m.log.Info("connection removed", zap.String("conn", c.ID()), zap.String("remote", c.RemoteAddr()))

	m.mu.Lock()
	fns := m.onDisconnect
	m.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// OnDisconnect registers fn to run after a connection has left the mesh.
func (m *Manager) OnDisconnect(fn func(transport.Conn)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = append(m.onDisconnect[:len(m.onDisconnect):len(m.onDisconnect)], fn)
}

// Connections returns the current neighbors.
func (m *Manager) Connections() []transport.Conn {
	var out []transport.Conn
	m.conns.Range(func(_, v any) bool {
		out = append(out, v.(*link).conn)
		return true
	})
	return out
}

// SetInternalHandler reserves channel for h. Packets on it are neither
// delivered to listeners nor forwarded.
func (m *Manager) SetInternalHandler(channel string, h func(payload []byte, from transport.Conn)) {
	m.internal.Store(channel, InternalHandler(h))
}

// SendPacket encodes payload once under a fresh id and sends it to each target.
// Send failures are logged; only encoding errors are returned.
func (m *Manager) SendPacket(channel string, payload []byte, targets ...transport.Conn) error {
	return m.send(channel, payload, targets, "internal")
}

func (m *Manager) send(channel string, payload []byte, targets []transport.Conn, kind string) error {
	if len(targets) == 0 {
		return nil
	}
	frame, err := wire.EncodePacket([]byte(channel), m.newPacketID(), payload, m.codec)
	if err != nil {
		return fmt.Errorf("mesh: encode %q: %w", channel, err)
	}
	m.write(frame, targets, kind)
	return nil
}

func (m *Manager) write(frame []byte, targets []transport.Conn, kind string) {
	for _, c := range targets {
		if err := c.Send(frame); err != nil {
			m.log.Debug("send failed", zap.String("conn", c.ID()), zap.String("kind", kind), zap.Error(err))
			continue
		}
		telemetry.PacketsSent.WithLabelValues(kind).Inc()
	}
}

func (m *Manager) newPacketID() uint64 {
	for {
		if id := rand.Uint64(); m.dedup.Register(id) {
			return id
		}
	}
}

func (m *Manager) handleFrame(from transport.Conn, frame []byte) {
	m.receivedAll.Add(1)
	id, err := wire.PacketID(frame)
	if err != nil {
		m.protocolError(from, "short_packet", err)
		return
	}
	if !m.dedup.Register(id) {
		telemetry.PacketsReceived.WithLabelValues("duplicate").Inc()
		m.log.Debug("duplicate packet", zap.Uint64("id", id), zap.String("conn", from.ID()))
		return
	}
	m.received.Add(1)
	m.hb.markAlive(from)

	channel, payload, err := wire.DecodeBody(frame, m.codec)
	if err != nil {
		m.protocolError(from, "malformed", err)
		return
	}

	if h, ok := m.internal.Load(channel); ok {
		telemetry.PacketsReceived.WithLabelValues("internal").Inc()
		h.(InternalHandler)(payload, from)
		return
	}
	telemetry.PacketsReceived.WithLabelValues("unique").Inc()

	m.deliver(channel, payload)
	if targets := m.subscribedTo(channel, from); len(targets) > 0 {
		m.forwarded.Add(uint64(len(targets)))
		m.write(frame, targets, "forward")
	}
}

func (m *Manager) protocolError(c transport.Conn, reason string, err error) {
	telemetry.ProtocolErrors.WithLabelValues(reason).Inc()
	telemetry.PacketsReceived.WithLabelValues("malformed").Inc()
	m.log.Warn("protocol error, closing connection", zap.String("conn", c.ID()), zap.String("reason", reason), zap.Error(err))
	c.Close()
}

func (m *Manager) deliver(channel string, payload []byte) {
	v, ok := m.listeners.Load(channel)
	if !ok {
		return
	}
	for _, fn := range v.(*listenerSet).snapshot() {
		m.delivered.Add(1)
		m.invoke(channel, fn, append([]byte(nil), payload...))
	}
}

func (m *Manager) invoke(channel string, fn Listener, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("listener panicked", zap.String("channel", channel), zap.Any("panic", r))
		}
	}()
	fn(payload)
}

// subscribedTo lists neighbors with a subscriber to channel behind them, except exclude.
func (m *Manager) subscribedTo(channel string, exclude transport.Conn) []transport.Conn {
	var out []transport.Conn
	for _, c := range m.Connections() {
		if exclude != nil && c.ID() == exclude.ID() {
			continue
		}
		if m.subs.Behind(c, channel) {
			out = append(out, c)
		}
	}
	return out
}

// GetChannel returns the channel called name.
func (m *Manager) GetChannel(name string) (*Channel, error) {
	if len(name) > wire.MaxChannelNameLength {
		return nil, fmt.Errorf("%w: %d bytes", wire.ErrChannelNameTooLong, len(name))
	}
	if strings.HasPrefix(name, ReservedPrefix) {
		return nil, fmt.Errorf("%w: %q", ErrReservedChannel, name)
	}
	return &Channel{m: m, name: name}, nil
}

// Subscribed lists the channels with a local subscriber.
func (m *Manager) Subscribed() []string {
	return m.subs.Entries()
}

// Subscriptions exposes the subscription set, mostly for inspection.
func (m *Manager) Subscriptions() *gossip.Graph[string] {
	return m.subs
}

func (m *Manager) Stats() Stats {
	n := 0
	m.conns.Range(func(_, _ any) bool { n++; return true })
	return Stats{
		Connections:            n,
		Received:               m.received.Load(),
		ReceivedWithDuplicates: m.receivedAll.Load(),
		Delivered:              m.delivered.Load(),
		Forwarded:              m.forwarded.Load(),
		Published:              m.published.Load(),
	}
}

var _ gossip.Fabric = (*Manager)(nil)
