package coord

import "fmt"

// RingBuffer is a fixed-capacity FIFO that overwrites its oldest entry
// once full (spec.md §4.1). It buffers events for a session whose stream
// is paused; capacity 0 is rejected since there would be nowhere to put
// anything.
type RingBuffer[T any] struct {
	buf   []T
	cap   int
	start int
	count int
}

// NewRingBuffer constructs a RingBuffer holding up to capacity items.
func NewRingBuffer[T any](capacity int) (*RingBuffer[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("coord: ring buffer capacity must be positive, got %d", capacity)
	}
	return &RingBuffer[T]{buf: make([]T, capacity), cap: capacity}, nil
}

// Push appends item, silently overwriting the oldest entry if the buffer
// is already at capacity.
func (r *RingBuffer[T]) Push(item T) {
	idx := (r.start + r.count) % r.cap
	r.buf[idx] = item
	if r.count < r.cap {
		r.count++
		return
	}
	// at capacity: the slot we just wrote was the oldest entry, so advance
	// start to drop it from the logical FIFO.
	r.start = (r.start + 1) % r.cap
}

// Len returns the number of items currently buffered.
func (r *RingBuffer[T]) Len() int {
	return r.count
}

// Flush returns all buffered items in insertion order and empties the
// buffer.
func (r *RingBuffer[T]) Flush() []T {
	out := make([]T, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%r.cap])
	}
	r.start = 0
	r.count = 0
	return out
}
