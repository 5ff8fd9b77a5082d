package mesh

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ryandielhenn/zephyrbus/internal/dispatch"
	"github.com/ryandielhenn/zephyrbus/pkg/compress"
	"github.com/ryandielhenn/zephyrbus/pkg/dedup"
)

// Reserved channels. Any name starting with ReservedPrefix is refused by GetChannel.
const (
	ReservedPrefix      = "zb."
	SubscriptionChannel = "zb.sub"
	NodeChannel         = "zb.nod"
	WelcomeChannel      = "zb.hi"
	HeartbeatChannel    = "zb.bea"
)

// Config tunes a Manager. Zero fields take their DefaultConfig value.
type Config struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	Dedup             dedup.Config  `yaml:"dedup"`
	// Workers is the size of the shared callback pool. <= 0 picks one from GOMAXPROCS.
	Workers int `yaml:"workers"`
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 3 * time.Second,
		HeartbeatTimeout:  6 * time.Second,
		Dedup:             dedup.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 2 * c.HeartbeatInterval
	}
	return c
}

// Option customises a Manager.
type Option func(*Manager)

// WithCompressor sets the body compressor. Every node on a mesh must use the same one.
func WithCompressor(c compress.Compressor) Option {
	return func(m *Manager) { m.codec = c }
}

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithPool runs connection callbacks on p instead of a private pool.
// The caller starts and stops p.
func WithPool(p *dispatch.Pool) Option {
	return func(m *Manager) { m.pool, m.ownPool = p, false }
}
