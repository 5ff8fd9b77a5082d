package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrbus/pkg/transport"
	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

type fakeConn struct {
	id    string
	props transport.Properties

	mu     sync.Mutex
	h      transport.Handlers
	sent   [][]byte
	closed bool
}

func (c *fakeConn) ID() string                        { return c.id }
func (c *fakeConn) RemoteAddr() string                { return "fake:" + c.id }
func (c *fakeConn) Properties() *transport.Properties { return &c.props }

func (c *fakeConn) Start(h transport.Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.h = h
}

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.sent = append(c.sent, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	h := c.h
	c.mu.Unlock()
	if h.OnDisconnect != nil {
		h.OnDisconnect()
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) heartbeats(t *testing.T) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.sent {
		ch, payload, err := wire.DecodeBody(f, nil)
		require.NoError(t, err)
		if ch == HeartbeatChannel {
			assert.Empty(t, payload)
			n++
		}
	}
	return n
}

// newHeartbeatManager is not started, so beats run only when the test calls them.
func newHeartbeatManager(t *testing.T) (*Manager, *clock.Mock) {
	mock := clock.NewMock()
	m := New(Config{HeartbeatInterval: 3 * time.Second}, zaptest.NewLogger(t), WithClock(mock))
	return m, mock
}

func TestHeartbeatTimeoutClosesSilentConnection(t *testing.T) {
	m, mock := newHeartbeatManager(t)
	require.Equal(t, 6*time.Second, m.cfg.HeartbeatTimeout)

	silent := &fakeConn{id: "silent"}
	chatty := &fakeConn{id: "chatty"}
	m.AddConnection(silent)
	m.AddConnection(chatty)

	mock.Add(3 * time.Second)
	m.hb.markAlive(chatty)
	m.hb.beat()
	assert.False(t, silent.isClosed())

	mock.Add(3 * time.Second)
	m.hb.markAlive(chatty)
	m.hb.beat()
	assert.False(t, silent.isClosed(), "exactly the timeout is still alive")

	mock.Add(time.Second)
	m.hb.beat()
	assert.True(t, silent.isClosed())
	assert.False(t, chatty.isClosed())
	assert.Equal(t, 3, chatty.heartbeats(t))
}

func TestAnyUniquePacketRefreshesLiveness(t *testing.T) {
	m, mock := newHeartbeatManager(t)
	c := &fakeConn{id: "peer"}
	m.AddConnection(c)

	for i := range 5 {
		mock.Add(5 * time.Second)
		frame, err := wire.EncodePacket([]byte("app"), uint64(100+i), []byte("data"), nil)
		require.NoError(t, err)
		m.handleFrame(c, frame)
		m.hb.beat()
	}
	assert.False(t, c.isClosed())

	// a duplicate does not count as traffic
	mock.Add(5 * time.Second)
	frame, err := wire.EncodePacket([]byte("app"), 100, []byte("data"), nil)
	require.NoError(t, err)
	m.handleFrame(c, frame)
	mock.Add(2 * time.Second)
	m.hb.beat()
	assert.True(t, c.isClosed())
}

func TestHeartbeatStartsImmediately(t *testing.T) {
	m, _ := newHeartbeatManager(t)
	c := &fakeConn{id: "peer"}
	m.AddConnection(c)

	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool { return c.heartbeats(t) == 1 }, waitFor, tick)
}
