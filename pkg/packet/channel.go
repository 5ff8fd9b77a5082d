package packet

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/pkg/mesh"
)

// Channel sends and dispatches registered packets over a mesh channel.
type Channel struct {
	ch  *mesh.Channel
	reg *Registry
	log *zap.Logger

	once     sync.Once
	mu       sync.RWMutex
	handlers map[ID][]func(Packet)
}

func NewChannel(ch *mesh.Channel, reg *Registry, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	return &Channel{
		ch:       ch,
		reg:      reg,
		log:      log.Named("packet").With(zap.String("channel", ch.Name())),
		handlers: make(map[ID][]func(Packet)),
	}
}

func (c *Channel) Publish(p Packet) error {
	b, err := c.reg.Encode(p)
	if err != nil {
		return err
	}
	return c.ch.Publish(b)
}

// Handle calls fn for every received packet with the given id. The first
// call subscribes to the underlying channel.
func (c *Channel) Handle(id ID, fn func(Packet)) {
	c.mu.Lock()
	c.handlers[id] = append(c.handlers[id], fn)
	c.mu.Unlock()
	c.once.Do(func() { c.ch.Subscribe(c.dispatch) })
}

func (c *Channel) dispatch(b []byte) {
	p, err := c.reg.Decode(b)
	if err != nil {
		c.log.Warn("dropping packet", zap.Error(err))
		return
	}
	c.mu.RLock()
	fns := c.handlers[p.PacketID()]
	c.mu.RUnlock()
	if len(fns) == 0 {
		c.log.Debug("no handler", zap.Uint16("id", uint16(p.PacketID())))
		return
	}
	for _, fn := range fns {
		fn(p)
	}
}
