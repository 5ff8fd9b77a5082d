// Package transport provides the byte-stream connections the mesh runs on.
//
// A Conn carries whole frames (see package wire): Send takes one frame
// payload, Handlers.OnMessage receives one. Handlers of a single Conn are
// called from one goroutine at a time, in order.
package transport

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrClosed        = errors.New("transport: connection closed")
	ErrSendQueueFull = errors.New("transport: send queue full")
)

// Handlers are the callbacks a Conn invokes once started. Nil fields are ignored.
type Handlers struct {
	OnMessage    func(frame []byte)
	OnError      func(err error)
	OnDisconnect func()
}

func (h Handlers) withDefaults() Handlers {
	if h.OnMessage == nil {
		h.OnMessage = func([]byte) {}
	}
	if h.OnError == nil {
		h.OnError = func(error) {}
	}
	if h.OnDisconnect == nil {
		h.OnDisconnect = func() {}
	}
	return h
}

// Conn is one end of an ordered, reliable link to another node.
type Conn interface {
	// ID is unique for the lifetime of the process.
	ID() string
	RemoteAddr() string
	// Start installs the handlers and begins reading. Only the first call has an effect.
	Start(h Handlers)
	// Send queues a frame. The frame must not be modified afterwards.
	Send(frame []byte) error
	// Close is idempotent. OnDisconnect fires once, after Start.
	Close() error
	Properties() *Properties
}

// Listener accepts inbound connections.
type Listener interface {
	Addr() string
	// Serve blocks, passing every accepted Conn to handle, until Close.
	Serve(handle func(Conn)) error
	Close() error
}

// Connector dials and listens.
type Connector interface {
	Dial(ctx context.Context, addr string) (Conn, error)
	Listen(addr string) (Listener, error)
}

// Properties is a per-connection bag for protocol state. The zero value is ready to use.
type Properties struct {
	mu sync.Mutex
	m  map[string]any
}

func (p *Properties) Get(key string) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.m[key]
	return v, ok
}

func (p *Properties) Set(key string, v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string]any)
	}
	p.m[key] = v
}

// LoadOrStore returns the value for key, storing newValue() first if absent.
func (p *Properties) LoadOrStore(key string, newValue func() any) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.m[key]; ok {
		return v
	}
	if p.m == nil {
		p.m = make(map[string]any)
	}
	v := newValue()
	p.m[key] = v
	return v
}

func (p *Properties) Delete(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, key)
}
