// Package topology decides which peers a node dials.
//
// Nodes of the backbone tier sit on a consistent hash ring and each dials its
// Fanout ring successors, which keeps the backbone connected. Every other
// node dials Fanout backbone nodes, nearest address first, ring order after.
// Failed dials are retried with exponential backoff.
package topology

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/pkg/node"
	"github.com/ryandielhenn/zephyrbus/pkg/ring"
)

// Dialer is what the policy needs from a node.
type Dialer interface {
	Self() node.Identity
	KnownNodes() []node.Identity
	IsConnected(id node.Identity) bool
	Connect(ctx context.Context, id node.Identity) error
}

type Config struct {
	BackboneTier   int           `yaml:"backbone_tier"`
	Fanout         int           `yaml:"fanout"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	MaxTries       uint          `yaml:"max_tries"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	// WelcomeTimeout is how long a dialed link may wait for its welcome
	// before the peer is dialed again.
	WelcomeTimeout time.Duration `yaml:"welcome_timeout"`
}

func DefaultConfig() Config {
	return Config{
		BackboneTier:   1,
		Fanout:         2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		MaxTries:       20,
		DialTimeout:    5 * time.Second,
		WelcomeTimeout: 5 * time.Second,
	}
}

var errUnwanted = errors.New("topology: peer no longer wanted")

// Policy implements node.Listener.
type Policy struct {
	d    Dialer
	cfg  Config
	log  *zap.Logger
	ring *ring.Ring

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	members map[string]node.Identity // ring member -> identity
	dialing map[node.Identity]bool
	dialed  map[node.Identity]time.Time // dial succeeded, welcome pending
}

func New(d Dialer, cfg Config, log *zap.Logger) *Policy {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Fanout <= 0 {
		cfg.Fanout = DefaultConfig().Fanout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Policy{
		d:       d,
		cfg:     cfg,
		log:     log.Named("topology"),
		ring:    ring.New(0, nil),
		ctx:     ctx,
		cancel:  cancel,
		members: make(map[string]node.Identity),
		dialing: make(map[node.Identity]bool),
		dialed:  make(map[node.Identity]time.Time),
	}
}

// Start loads the node's known set and dials the initial targets.
func (p *Policy) Start() {
	p.learn(p.d.KnownNodes())
	p.reconcile()
}

// Stop abandons pending dials and waits for them to return.
func (p *Policy) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Policy) isBackbone(id node.Identity) bool { return id.Tier == p.cfg.BackboneTier }

func (p *Policy) learn(ids []node.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		if p.isBackbone(id) && p.ring.Add(id.String()) {
			p.members[id.String()] = id
		}
	}
}

// Targets is the set of peers this node should be linked to.
func (p *Policy) Targets() []node.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	self := p.d.Self()

	var names []string
	if p.isBackbone(self) {
		names = p.ring.Successors(self.String(), p.cfg.Fanout)
	} else {
		names = p.ring.LookupN([]byte(self.String()), p.ring.Len())
	}
	ids := make([]node.Identity, 0, len(names))
	for _, name := range names {
		if id := p.members[name]; id != self {
			ids = append(ids, id)
		}
	}
	if !p.isBackbone(self) {
		SortByProximity(self, ids)
		ids = ids[:min(p.cfg.Fanout, len(ids))]
	}
	return ids
}

func (p *Policy) wanted(id node.Identity) bool {
	for _, t := range p.Targets() {
		if t == id {
			return true
		}
	}
	return false
}

func (p *Policy) reconcile() {
	for _, id := range p.Targets() {
		if !p.d.IsConnected(id) {
			p.dial(id)
		}
	}
}

func (p *Policy) dial(id node.Identity) {
	p.mu.Lock()
	if p.dialing[id] || p.ctx.Err() != nil {
		p.mu.Unlock()
		return
	}
	if at, ok := p.dialed[id]; ok && time.Since(at) < p.cfg.WelcomeTimeout {
		p.mu.Unlock()
		return
	}
	p.dialing[id] = true
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = p.cfg.InitialBackoff
		bo.MaxInterval = p.cfg.MaxBackoff

		op := func() (struct{}, error) {
			if p.d.IsConnected(id) {
				return struct{}{}, nil
			}
			if !p.wanted(id) {
				return struct{}{}, backoff.Permanent(errUnwanted)
			}
			ctx, cancel := context.WithTimeout(p.ctx, p.cfg.DialTimeout)
			defer cancel()
			return struct{}{}, p.d.Connect(ctx, id)
		}
		_, err := backoff.Retry(p.ctx, op, backoff.WithBackOff(bo), backoff.WithMaxTries(p.cfg.MaxTries))

		p.mu.Lock()
		delete(p.dialing, id)
		if err == nil {
			p.dialed[id] = time.Now()
		}
		p.mu.Unlock()
		if err != nil && !errors.Is(err, errUnwanted) && p.ctx.Err() == nil {
			p.log.Warn("giving up on peer", zap.Stringer("peer", id), zap.Error(err))
		}
	}()
}

func (p *Policy) PreConnected(remote *node.Identity, thisIsServer bool) {
	if remote != nil {
		p.log.Debug("link up", zap.Stringer("peer", *remote), zap.Bool("server", thisIsServer))
	}
}

func (p *Policy) Connected(remote node.Identity, _ bool) {
	p.mu.Lock()
	delete(p.dialed, remote)
	p.mu.Unlock()
	p.learn([]node.Identity{remote})
}

func (p *Policy) NodesRegistered(ids []node.Identity, fromSync bool) {
	p.log.Debug("nodes registered", zap.Int("count", len(ids)), zap.Bool("from_sync", fromSync))
	p.learn(ids)
	go p.reconcile()
}

func (p *Policy) Disconnected(remote node.Identity) {
	p.mu.Lock()
	delete(p.dialed, remote)
	p.mu.Unlock()
	if p.wanted(remote) {
		p.log.Info("lost wanted peer, redialing", zap.Stringer("peer", remote))
		go p.dial(remote)
	}
}

func (p *Policy) ConnectionAttemptFailed(remote node.Identity, err error) {
	p.log.Debug("dial failed", zap.Stringer("peer", remote), zap.Error(err))
}

var _ node.Listener = (*Policy)(nil)
