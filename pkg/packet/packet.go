// Package packet carries typed, registered messages over a mesh channel.
//
// Each payload starts with a big-endian uint16 packet id chosen at
// registration. The registry maps ids to constructors, so decoding never
// inspects types at runtime.
package packet

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknownPacket = errors.New("packet: unknown packet id")
	ErrDuplicateID   = errors.New("packet: id already registered")
	ErrShortPayload  = errors.New("packet: payload shorter than id")
)

// ID identifies a packet type on the wire. It must be stable across releases.
type ID uint16

// Packet is a message that knows its id and its binary form.
type Packet interface {
	PacketID() ID
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Registry maps ids to constructors. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	ctors map[ID]func() Packet
}

func NewRegistry() *Registry {
	return &Registry{ctors: make(map[ID]func() Packet)}
}

// Register adds a constructor under the id of the packet it returns.
func (r *Registry) Register(newPacket func() Packet) error {
	id := newPacket().PacketID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ctors[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}
	r.ctors[id] = newPacket
	return nil
}

// MustRegister is Register for package init.
func (r *Registry) MustRegister(newPacket func() Packet) {
	if err := r.Register(newPacket); err != nil {
		panic(err)
	}
}

func (r *Registry) Encode(p Packet) ([]byte, error) {
	body, err := p.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("packet %d: marshal: %w", p.PacketID(), err)
	}
	out := make([]byte, 2, 2+len(body))
	binary.BigEndian.PutUint16(out, uint16(p.PacketID()))
	return append(out, body...), nil
}

func (r *Registry) Decode(b []byte) (Packet, error) {
	if len(b) < 2 {
		return nil, ErrShortPayload
	}
	id := ID(binary.BigEndian.Uint16(b))
	r.mu.RLock()
	ctor, ok := r.ctors[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPacket, id)
	}
	p := ctor()
	if err := p.UnmarshalBinary(b[2:]); err != nil {
		return nil, fmt.Errorf("packet %d: unmarshal: %w", id, err)
	}
	return p, nil
}
