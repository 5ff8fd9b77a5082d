// Package dedup remembers recently seen packet ids.
//
// Ids live in a fixed number of generations. New ids go into the newest
// generation; every Interval the oldest generation is cleared and becomes the
// newest. An id is therefore remembered for at least (Buckets-1)*Interval.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Config controls the size of the duplicate-detection window.
type Config struct {
	Buckets  int           `yaml:"buckets"`
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig keeps ids for at least one minute.
func DefaultConfig() Config {
	return Config{Buckets: 2, Interval: time.Minute}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Buckets < 2 {
		c.Buckets = d.Buckets
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	return c
}

// Registry is safe for concurrent use.
type Registry struct {
	cfg   Config
	clock clock.Clock

	mu      sync.Mutex
	buckets []map[uint64]struct{} // buckets[0] is the newest

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New returns an empty registry. A nil clk uses the wall clock.
func New(cfg Config, clk clock.Clock) *Registry {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.New()
	}
	r := &Registry{
		cfg:     cfg,
		clock:   clk,
		buckets: make([]map[uint64]struct{}, cfg.Buckets),
		stop:    make(chan struct{}),
	}
	for i := range r.buckets {
		r.buckets[i] = make(map[uint64]struct{})
	}
	return r
}

// Register records id and reports whether it was new.
//
// An id already present in any generation is a duplicate, including the
// newest one.
func (r *Registry) Register(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.buckets[1:] {
		if _, ok := b[id]; ok {
			return false
		}
	}
	if _, ok := r.buckets[0][id]; ok {
		return false
	}
	r.buckets[0][id] = struct{}{}
	return true
}

// Rotate clears the oldest generation and makes it the newest.
func (r *Registry) Rotate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.buckets)
	oldest := r.buckets[n-1]
	clear(oldest)
	copy(r.buckets[1:], r.buckets[:n-1])
	r.buckets[0] = oldest
}

// Len is the number of ids currently remembered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.buckets {
		n += len(b)
	}
	return n
}

// Window is the minimum time an id stays registered.
func (r *Registry) Window() time.Duration {
	return time.Duration(r.cfg.Buckets-1) * r.cfg.Interval
}

// Start rotates every Interval until ctx is done or Stop is called.
func (r *Registry) Start(ctx context.Context) {
	t := r.clock.Ticker(r.cfg.Interval)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-t.C:
				r.Rotate()
			}
		}
	}()
}

// Stop ends rotation started by Start.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}
