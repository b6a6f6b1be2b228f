// Package history keeps a bounded, order-preserving log of delivered
// envelopes for playback.
package history

import (
	"sync"

	"github.com/Tyrowin/lanchat/internal/protocol"
)

// DefaultCapacity is the number of entries kept when no capacity is given.
const DefaultCapacity = 1000

// Ring is a fixed-capacity FIFO of envelopes. Once full, each Append evicts
// the oldest entry. It is safe for concurrent use.
type Ring struct {
	mu      sync.RWMutex
	entries []protocol.Envelope
	start   int
	size    int
}

// NewRing returns an empty ring holding at most capacity entries.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{entries: make([]protocol.Envelope, capacity)}
}

// Append stores a copy of env, evicting the oldest entry when full.
func (r *Ring) Append(env protocol.Envelope) {
	env = clone(env)

	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.entries)
	if r.size < capacity {
		r.entries[(r.start+r.size)%capacity] = env
		r.size++
		return
	}
	r.entries[r.start] = env
	r.start = (r.start + 1) % capacity
}

// Len returns the number of stored entries.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.entries)
}

// Recent returns up to n of the newest entries, oldest first.
func (r *Ring) Recent(n int) []protocol.Envelope {
	return r.collect(n, func(protocol.Envelope) bool { return true })
}

// RecentInRoom returns up to n of the newest entries addressed to room,
// oldest first.
func (r *Ring) RecentInRoom(room string, n int) []protocol.Envelope {
	return r.collect(n, func(env protocol.Envelope) bool { return env.Room == room })
}

func (r *Ring) collect(n int, keep func(protocol.Envelope) bool) []protocol.Envelope {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || r.size == 0 {
		return nil
	}

	capacity := len(r.entries)
	out := make([]protocol.Envelope, 0, min(n, r.size))
	for i := r.size - 1; i >= 0 && len(out) < n; i-- {
		env := r.entries[(r.start+i)%capacity]
		if keep(env) {
			out = append(out, clone(env))
		}
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// clone detaches the envelope's slices so stored entries stay immutable.
func clone(env protocol.Envelope) protocol.Envelope {
	if env.Users != nil {
		env.Users = append([]string(nil), env.Users...)
	}
	return env
}
