package mesh

import "sync"

// Listener receives the payload of a packet. It owns the slice.
type Listener func(payload []byte)

// Messenger hands out channels.
type Messenger interface {
	GetChannel(name string) (*Channel, error)
}

var _ Messenger = (*Manager)(nil)

// Channel is a view of one topic on a Manager.
type Channel struct {
	m    *Manager
	name string
}

func (c *Channel) Name() string { return c.name }

// Publish sends payload to every neighbor with a subscriber behind it.
// Local listeners are not called.
func (c *Channel) Publish(payload []byte) error {
	targets := c.m.subscribedTo(c.name, nil)
	if len(targets) == 0 {
		return nil
	}
	c.m.published.Add(1)
	return c.m.send(c.name, payload, targets, "publish")
}

// Subscribe registers fn and announces this node as a subscriber.
func (c *Channel) Subscribe(fn Listener) {
	v, _ := c.m.listeners.LoadOrStore(c.name, &listenerSet{})
	v.(*listenerSet).add(fn)
	c.m.subs.Add(c.name)
}

type listenerSet struct {
	mu  sync.RWMutex
	fns []Listener
}

func (s *listenerSet) add(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = append(s.fns, fn)
}

func (s *listenerSet) snapshot() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fns[:len(s.fns):len(s.fns)]
}
