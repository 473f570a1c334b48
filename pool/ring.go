// File: pool/ring.go
// Author: momentics <momentics@gmail.com>
//
// Bounded FIFO history buffer. Pushing beyond capacity evicts the oldest
// item. All methods are thread-safe.

package pool

import (
	"sync"

	"github.com/eapache/queue"
)

// DefaultRingCapacity is used when a caller supplies no capacity.
const DefaultRingCapacity = 200

// RingBuffer is a capacity-bounded FIFO. Storage grows and shrinks with the
// item count, so an idle large-capacity buffer costs little.
type RingBuffer[T any] struct {
	mu       sync.Mutex
	q        *queue.Queue
	capacity int
}

// NewRingBuffer allocates a buffer holding at most capacity items.
// Capacities below 1 are clamped to 1.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{q: queue.New(), capacity: clampCapacity(capacity)}
}

func clampCapacity(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// Push appends item and returns how many items were evicted (0 or 1).
func (r *RingBuffer[T]) Push(item T) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.q.Add(item)
	return r.trimLocked()
}

// SetCapacity changes the bound, dropping the oldest items that no longer fit.
func (r *RingBuffer[T]) SetCapacity(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capacity = clampCapacity(n)
	r.trimLocked()
}

func (r *RingBuffer[T]) trimLocked() int {
	evicted := 0
	for r.q.Length() > r.capacity {
		r.q.Remove()
		evicted++
	}
	return evicted
}

// Clear empties the buffer.
func (r *RingBuffer[T]) Clear() {
	r.mu.Lock()
	r.q = queue.New()
	r.mu.Unlock()
}

// Snapshot returns a copy of the contents, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, r.q.Length())
	for i := range out {
		out[i] = r.q.Get(i).(T)
	}
	return out
}

// Len returns number of items in the buffer.
func (r *RingBuffer[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.q.Length()
}

// Cap returns the configured capacity.
func (r *RingBuffer[T]) Cap() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capacity
}
