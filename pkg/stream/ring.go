package stream

import (
	"errors"
	"fmt"
	"sync"
)

// Role is the direction a buffer carries data in, named from the host.
type Role uint8

const (
	// RoleIn buffers carry device-to-host data.
	RoleIn Role = iota
	// RoleOut buffers carry host-to-device data.
	RoleOut
)

func (r Role) String() string {
	if r == RoleIn {
		return "IN"
	}
	return "OUT"
}

var (
	ErrRingBusy     = errors.New("stream: a buffer is already active")
	ErrRingFull     = errors.New("stream: ring full")
	ErrNotActive    = errors.New("stream: buffer is not the active buffer")
	ErrNotInFlight  = errors.New("stream: buffer is not in flight")
	ErrCommitLength = errors.New("stream: commit length exceeds capacity")
)

type bufState uint8

const (
	bufFree bufState = iota
	bufActive
	bufQueued
	bufDraining
)

// Buffer is a fixed-capacity region owned by a Ring.
type Buffer struct {
	data  []byte
	n     int
	role  Role
	index int
	state bufState
}

// Capacity is the fixed size of the buffer.
func (b *Buffer) Capacity() int { return len(b.data) }

// Len is the committed length.
func (b *Buffer) Len() int { return b.n }

// Role reports the buffer direction.
func (b *Buffer) Role() Role { return b.role }

// Index is the buffer's position in its ring.
func (b *Buffer) Index() int { return b.index }

// Space returns the whole writable region of an active buffer.
func (b *Buffer) Space() []byte { return b.data }

// Bytes returns the committed contents.
func (b *Buffer) Bytes() []byte { return b.data[:b.n] }

// Ring is an ordered pool of equally sized buffers reused in a cycle. A
// producer acquires one buffer at a time, fills it and commits it; the
// consumer takes committed buffers oldest first and releases them.
type Ring struct {
	mu       sync.Mutex
	bufs     []*Buffer
	free     []*Buffer
	queued   []*Buffer
	active   *Buffer
	draining int

	committed uint64
	released  uint64
}

// NewRing allocates count buffers of size bytes. Both must be positive.
func NewRing(count, size int, role Role) (*Ring, error) {
	if count <= 0 || size <= 0 {
		return nil, fmt.Errorf("stream: invalid ring geometry %dx%d", count, size)
	}
	r := &Ring{bufs: make([]*Buffer, count)}
	for i := range r.bufs {
		r.bufs[i] = &Buffer{data: make([]byte, size), role: role, index: i}
	}
	r.free = append([]*Buffer(nil), r.bufs...)
	return r, nil
}

// Count is the number of buffers in the ring.
func (r *Ring) Count() int { return len(r.bufs) }

// Size is the capacity of each buffer.
func (r *Ring) Size() int { return len(r.bufs[0].data) }

// InFlight is the number of committed buffers not yet released.
func (r *Ring) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queued) + r.draining
}

// Counters returns how many buffers were committed and released so far.
func (r *Ring) Counters() (committed, released uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed, r.released
}

// Acquire hands out the next free buffer for filling.
func (r *Ring) Acquire() (*Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return nil, ErrRingBusy
	}
	if len(r.free) == 0 {
		return nil, ErrRingFull
	}
	b := r.free[0]
	r.free = r.free[1:]
	b.state = bufActive
	b.n = 0
	r.active = b
	return b, nil
}

// Commit queues the active buffer with n valid bytes.
func (r *Ring) Commit(b *Buffer, n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b == nil || b != r.active {
		return ErrNotActive
	}
	if n < 0 || n > len(b.data) {
		return fmt.Errorf("%w: %d > %d", ErrCommitLength, n, len(b.data))
	}
	b.n = n
	b.state = bufQueued
	r.active = nil
	r.queued = append(r.queued, b)
	r.committed++
	return nil
}

// Next takes the oldest committed buffer for draining.
func (r *Ring) Next() (*Buffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queued) == 0 {
		return nil, false
	}
	b := r.queued[0]
	r.queued = r.queued[1:]
	b.state = bufDraining
	r.draining++
	return b, true
}

// Release returns a drained buffer to the free pool.
func (r *Ring) Release(b *Buffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b == nil || b.state != bufDraining {
		return ErrNotInFlight
	}
	b.state = bufFree
	b.n = 0
	r.draining--
	r.free = append(r.free, b)
	r.released++
	return nil
}

// Reset returns every buffer to the free pool in index order.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.bufs {
		b.state = bufFree
		b.n = 0
	}
	r.free = append(r.free[:0], r.bufs...)
	r.queued = nil
	r.active = nil
	r.draining = 0
}
