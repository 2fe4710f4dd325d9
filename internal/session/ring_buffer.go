package session

import (
	"sync"

	"sessiond/internal/event"
)

const defaultRingSize = 10000

// RingBuffer is a fixed-capacity circular buffer of output events.
// It lets a late attacher catch up on what a session produced.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []event.Event
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity. A
// non-positive capacity uses the default.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = defaultRingSize
	}
	return &RingBuffer{
		buf:      make([]event.Event, capacity),
		capacity: capacity,
	}
}

// Write adds an event, overwriting the oldest one when full.
func (rb *RingBuffer) Write(ev event.Event) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = ev
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// Len returns the number of buffered events.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.lenLocked()
}

func (rb *RingBuffer) lenLocked() int {
	if rb.full {
		return rb.capacity
	}
	return rb.pos
}

// ReadAll returns all events in chronological order.
func (rb *RingBuffer) ReadAll() []event.Event {
	return rb.ReadLast(0)
}

// ReadLast returns the newest limit events in chronological order.
// A non-positive limit returns everything.
func (rb *RingBuffer) ReadLast(limit int) []event.Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	n := rb.lenLocked()
	if limit <= 0 || limit > n {
		limit = n
	}
	result := make([]event.Event, limit)
	// Index of the oldest event we return.
	start := (rb.pos - limit + rb.capacity) % rb.capacity
	if start+limit <= rb.capacity {
		copy(result, rb.buf[start:start+limit])
	} else {
		k := copy(result, rb.buf[start:])
		copy(result[k:], rb.buf[:limit-k])
	}
	return result
}

// Since returns the buffered events with a sequence number above seq.
// Sequence numbers increase by one per write, so this is a suffix.
func (rb *RingBuffer) Since(seq uint64) []event.Event {
	rb.mu.RLock()
	n := rb.lenLocked()
	var newest uint64
	if n > 0 {
		newest = rb.buf[(rb.pos-1+rb.capacity)%rb.capacity].Seq
	}
	rb.mu.RUnlock()

	if n == 0 || newest <= seq {
		return []event.Event{}
	}
	want := newest - seq
	if want > uint64(n) {
		return rb.ReadLast(n)
	}
	return rb.ReadLast(int(want))
}
