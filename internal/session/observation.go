package session

import (
	"sync"
	"time"

	"sessiond/internal/event"
)

// Observation is one parent event seen by a watcher.
type Observation struct {
	SessionID string
	Event     event.Event
}

// ObservationBuffer accumulates a parent's events between evaluations.
type ObservationBuffer struct {
	mu         sync.Mutex
	items      []Observation
	dirtySince time.Time
	lastEvent  time.Time
	breakpoint bool

	notify chan struct{}
}

func NewObservationBuffer() *ObservationBuffer {
	return &ObservationBuffer{notify: make(chan struct{}, 1)}
}

// Append records ev and wakes the evaluation loop. It never blocks.
func (b *ObservationBuffer) Append(source string, ev event.Event, now time.Time) {
	b.mu.Lock()
	if len(b.items) == 0 {
		b.dirtySince = now
	}
	b.items = append(b.items, Observation{SessionID: source, Event: ev})
	b.lastEvent = now
	if ev.IsBreakpoint() {
		b.breakpoint = true
	}
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Notify signals after every Append. Signals coalesce.
func (b *ObservationBuffer) Notify() <-chan struct{} { return b.notify }

// Ready reports whether a breakpoint has been reached: a Done or
// ToolResult arrived, or nothing new arrived for idle.
func (b *ObservationBuffer) Ready(now time.Time, idle time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return false
	}
	return b.breakpoint || now.Sub(b.lastEvent) >= idle
}

// IdleDeadline returns when the idle breakpoint fires if nothing else
// arrives. ok is false for an empty buffer.
func (b *ObservationBuffer) IdleDeadline(idle time.Duration) (deadline time.Time, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return time.Time{}, false
	}
	return b.lastEvent.Add(idle), true
}

// Take moves the contents out and resets the buffer.
func (b *ObservationBuffer) Take() []Observation {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	b.breakpoint = false
	b.dirtySince = time.Time{}
	return items
}

func (b *ObservationBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// DirtySince is when the buffer last went from empty to non-empty.
func (b *ObservationBuffer) DirtySince() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirtySince
}
