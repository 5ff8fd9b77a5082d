// Package ring places mesh members on a consistent hash ring so every node
// derives the same neighbor choices from the same member set.
package ring

import (
	"encoding/binary"
	"hash/fnv"
	"slices"
	"sort"
	"sync"
)

type Hasher func([]byte) uint32

type Ring struct {
	mu       sync.RWMutex
	replicas int
	hash     Hasher
	points   []uint32          // sorted
	owners   map[uint32]string // point -> member
	members  map[string]struct{}
}

func New(replicas int, h Hasher) *Ring {
	if replicas <= 0 {
		replicas = 64
	}
	if h == nil {
		h = fnv32a
	}
	return &Ring{
		replicas: replicas,
		hash:     h,
		owners:   make(map[uint32]string),
		members:  make(map[string]struct{}),
	}
}

// Add places id on the ring and reports whether it was new.
func (r *Ring) Add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; ok {
		return false
	}
	r.members[id] = struct{}{}
	for i := 0; i < r.replicas; i++ {
		pt := r.hash(pointKey(id, i))
		r.owners[pt] = id
		r.points = append(r.points, pt)
	}
	slices.Sort(r.points)
	return true
}

func (r *Ring) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; !ok {
		return false
	}
	delete(r.members, id)
	// rebuild points/owners
	r.points = r.points[:0]
	clear(r.owners)
	for m := range r.members {
		for i := 0; i < r.replicas; i++ {
			pt := r.hash(pointKey(m, i))
			r.owners[pt] = m
			r.points = append(r.points, pt)
		}
	}
	slices.Sort(r.points)
	return true
}

func (r *Ring) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[id]
	return ok
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Members returns all members, sorted.
func (r *Ring) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members))
	for m := range r.members {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

func (r *Ring) Lookup(key []byte) string {
	out := r.LookupN(key, 1)
	if len(out) == 0 {
		return ""
	}
	return out[0]
}

// LookupN returns up to n distinct members clockwise from key.
func (r *Ring) LookupN(key []byte, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.walk(r.hash(key), n, "")
}

// Successors returns up to n distinct members clockwise from id's position,
// never id itself. id need not be a member.
func (r *Ring) Successors(id string, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.walk(r.hash([]byte(id)), n, id)
}

func (r *Ring) walk(h uint32, n int, skip string) []string {
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	// first point >= h, wrap if needed
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}

	seen := make(map[string]struct{}, n)
	out := make([]string, 0, n)
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		id := r.owners[r.points[(idx+i)%len(r.points)]]
		if id == skip {
			continue
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func fnv32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

func pointKey(id string, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte(id), buf[:]...)
}
