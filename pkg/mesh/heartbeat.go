package mesh

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/internal/telemetry"
	"github.com/ryandielhenn/zephyrbus/pkg/transport"
)

const lastHeartbeatKey = "zb.lastHeartbeat"

// heartbeat sends an empty packet to every neighbor each interval and closes
// neighbors that have sent nothing for timeout.
type heartbeat struct {
	m        *Manager
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

func newHeartbeat(m *Manager, interval, timeout time.Duration, log *zap.Logger) *heartbeat {
	return &heartbeat{
		m:        m,
		clock:    m.clock,
		interval: interval,
		timeout:  timeout,
		log:      log.Named("heartbeat"),
		done:     make(chan struct{}),
	}
}

func (h *heartbeat) start(ctx context.Context) {
	t := h.clock.Ticker(h.interval)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer t.Stop()
		h.beat()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.done:
				return
			case <-t.C:
				h.beat()
			}
		}
	}()
}

func (h *heartbeat) stop() {
	h.once.Do(func() { close(h.done) })
	h.wg.Wait()
}

func (h *heartbeat) beat() {
	conns := h.m.Connections()
	if len(conns) == 0 {
		return
	}
	if err := h.m.SendPacket(HeartbeatChannel, nil, conns...); err != nil {
		h.log.Error("send heartbeat", zap.Error(err))
	}

	now := h.clock.Now()
	for _, c := range conns {
		last, ok := h.lastSeen(c)
		if !ok {
			h.markAlive(c)
			continue
		}
		if silent := now.Sub(last); silent > h.timeout {
			telemetry.HeartbeatTimeouts.Inc()
			h.log.Warn("heartbeat timeout, closing connection",
				zap.String("conn", c.ID()), zap.String("remote", c.RemoteAddr()), zap.Duration("silent", silent))
			c.Close()
		}
	}
}

func (h *heartbeat) markAlive(c transport.Conn) {
	c.Properties().Set(lastHeartbeatKey, h.clock.Now())
}

func (h *heartbeat) lastSeen(c transport.Conn) (time.Time, bool) {
	v, ok := c.Properties().Get(lastHeartbeatKey)
	if !ok {
		return time.Time{}, false
	}
	t, ok := v.(time.Time)
	return t, ok
}
