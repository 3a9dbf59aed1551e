// Package queue provides the bounded outbound buffer used while the
// connection is down. Insertion order is preserved; when full, the oldest
// entry is evicted to admit the new one. Lossy under sustained pressure.
package queue

import "sync"

// Ring is a thread-safe bounded FIFO ring buffer.
type Ring[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int

	totalEvicted int64
}

// New creates a ring with the given fixed capacity.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends an item. If the ring is full the oldest entry is evicted
// first; the evicted value is returned with evicted=true.
func (r *Ring[T]) Push(item T) (old T, evicted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == r.capacity {
		old = r.buf[r.head]
		var zero T
		r.buf[r.head] = zero
		r.head = (r.head + 1) % r.capacity
		r.count--
		r.totalEvicted++
		evicted = true
	}

	r.buf[r.tail] = item
	r.tail = (r.tail + 1) % r.capacity
	r.count++
	return old, evicted
}

// Peek returns the oldest item without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

// Pop removes and returns the oldest item.
func (r *Ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		var zero T
		return zero, false
	}

	item := r.buf[r.head]
	var zero T
	r.buf[r.head] = zero // Clear reference for GC
	r.head = (r.head + 1) % r.capacity
	r.count--
	return item, true
}

// Drain removes all items and returns them in insertion order.
func (r *Ring[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}

	out := make([]T, 0, r.count)
	for r.count > 0 {
		out = append(out, r.buf[r.head])
		var zero T
		r.buf[r.head] = zero
		r.head = (r.head + 1) % r.capacity
		r.count--
	}
	return out
}

// Len returns the current number of items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return r.capacity
}

// Evicted returns the total number of entries dropped by the eviction
// policy since creation.
func (r *Ring[T]) Evicted() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalEvicted
}
