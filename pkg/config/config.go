// Package config loads node settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ryandielhenn/zephyrbus/pkg/compress"
	"github.com/ryandielhenn/zephyrbus/pkg/dedup"
	"github.com/ryandielhenn/zephyrbus/pkg/mesh"
	"github.com/ryandielhenn/zephyrbus/pkg/node"
	"github.com/ryandielhenn/zephyrbus/pkg/topology"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	SelfAddr   string   `yaml:"self_addr"`
	SelfTier   int      `yaml:"self_tier"`
	ListenAddr string   `yaml:"listen_addr"`
	Peers      []string `yaml:"peers"`

	EtcdEndpoints []string `yaml:"etcd_endpoints"`
	EtcdPrefix    string   `yaml:"etcd_prefix"`
	EtcdLeaseTTL  int64    `yaml:"etcd_lease_ttl"`

	AdminAddr   string `yaml:"admin_addr"`
	Compression string `yaml:"compression"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	DedupInterval     time.Duration `yaml:"dedup_interval"`
	DedupBuckets      int           `yaml:"dedup_buckets"`
	Workers           int           `yaml:"workers"`

	RingFanout   int `yaml:"ring_fanout"`
	BackboneTier int `yaml:"backbone_tier"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func Default() Config {
	mc := mesh.DefaultConfig()
	tc := topology.DefaultConfig()
	return Config{
		SelfAddr:          "127.0.0.1:" + node.DefaultPort,
		SelfTier:          tc.BackboneTier,
		EtcdPrefix:        "/zephyrbus/nodes/",
		EtcdLeaseTTL:      10,
		AdminAddr:         ":8080",
		Compression:       "snappy",
		HeartbeatInterval: mc.HeartbeatInterval,
		HeartbeatTimeout:  mc.HeartbeatTimeout,
		DedupInterval:     mc.Dedup.Interval,
		DedupBuckets:      mc.Dedup.Buckets,
		RingFanout:        tc.Fanout,
		BackboneTier:      tc.BackboneTier,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// Load reads defaults, then the file named by CONFIG_FILE if set, then the
// remaining environment variables, and validates the result.
func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(env func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path, ok := env("CONFIG_FILE"); ok && path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.mergeEnv(env); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	return nil
}

func (c *Config) mergeEnv(env func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := env(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := env(key); ok && v != "" {
			*dst = splitList(v)
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := env(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s=%q: %v", key, v, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := env(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s=%q: %v", key, v, err))
				return
			}
			*dst = d
		}
	}

	str("SELF_ADDR", &c.SelfAddr)
	num("SELF_TIER", &c.SelfTier)
	str("LISTEN_ADDR", &c.ListenAddr)
	list("PEERS", &c.Peers)
	list("ETCD_ENDPOINTS", &c.EtcdEndpoints)
	str("ETCD_PREFIX", &c.EtcdPrefix)
	str("ADMIN_ADDR", &c.AdminAddr)
	str("COMPRESSION", &c.Compression)
	dur("HEARTBEAT_INTERVAL", &c.HeartbeatInterval)
	dur("HEARTBEAT_TIMEOUT", &c.HeartbeatTimeout)
	dur("DEDUP_INTERVAL", &c.DedupInterval)
	num("DEDUP_BUCKETS", &c.DedupBuckets)
	num("WORKERS", &c.Workers)
	num("RING_FANOUT", &c.RingFanout)
	num("BACKBONE_TIER", &c.BackboneTier)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}
	if _, err := c.Self(); err != nil {
		return invalid("self_addr: %v", err)
	}
	if _, err := c.SeedPeers(); err != nil {
		return invalid("peers: %v", err)
	}
	if _, err := compress.ByName(c.Compression); err != nil {
		return invalid("compression: %v", err)
	}
	if c.HeartbeatInterval <= 0 {
		return invalid("heartbeat_interval must be positive")
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return invalid("heartbeat_timeout %s must exceed heartbeat_interval %s", c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.DedupBuckets < 2 {
		return invalid("dedup_buckets must be at least 2, got %d", c.DedupBuckets)
	}
	if c.DedupInterval <= 0 {
		return invalid("dedup_interval must be positive")
	}
	if c.RingFanout <= 0 {
		return invalid("ring_fanout must be positive")
	}
	if len(c.EtcdEndpoints) > 0 && c.EtcdLeaseTTL <= 0 {
		return invalid("etcd_lease_ttl must be positive")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return invalid("log_format %q", c.LogFormat)
	}
	return nil
}

// Self is the identity this node announces.
func (c Config) Self() (node.Identity, error) {
	id, err := node.ParseIdentity(c.SelfAddr)
	if err != nil {
		return node.Identity{}, err
	}
	id.Tier = c.SelfTier
	return id, nil
}

func (c Config) SeedPeers() ([]node.Identity, error) {
	return node.ParseIdentities(strings.Join(c.Peers, ","))
}

func (c Config) Mesh() mesh.Config {
	return mesh.Config{
		HeartbeatInterval: c.HeartbeatInterval,
		HeartbeatTimeout:  c.HeartbeatTimeout,
		Dedup:             dedup.Config{Buckets: c.DedupBuckets, Interval: c.DedupInterval},
		Workers:           c.Workers,
	}
}

func (c Config) Topology() topology.Config {
	tc := topology.DefaultConfig()
	tc.Fanout = c.RingFanout
	tc.BackboneTier = c.BackboneTier
	return tc
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
