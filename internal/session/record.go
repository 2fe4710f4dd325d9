package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"sessiond/internal/event"
)

// Callback receives live events of an attached session. It is called with
// the session's publication lock held and must not block or call back into
// Attach or Detach for the same session.
type Callback func(event.Event)

type turnInput struct {
	kind InputKind
	text string
}

// Record is the state of one session.
type Record struct {
	id        string
	provider  string
	model     string
	label     string
	role      *Role
	parentID  string
	createdAt time.Time

	// removing is set once a Remove has claimed the session. Guarded by
	// Registry.mu.
	removing bool

	// emitMu serializes publication so the ring, the callback and every
	// watcher observe events in one order.
	emitMu sync.Mutex

	mu           sync.Mutex
	status       Status
	updatedAt    time.Time
	ring         *RingBuffer
	seq          uint64
	delivered    uint64 // newest seq handed to an attached callback
	callback     Callback
	pendingInput string
	tokens       TokenCount
	queue        []turnInput
	urgent       int // leading entries of queue that were enqueued urgent
	cancelTurn   context.CancelFunc

	// injectMu serializes injections into this session.
	injectMu sync.Mutex
	wake     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed when the session's loop exits

	// Set on watchers only.
	obs   *ObservationBuffer
	state watcherState
}

func newRecord(parent context.Context, id string, req CreateRequest, ringSize int, now time.Time) *Record {
	ctx, cancel := context.WithCancel(parent)
	rec := &Record{
		id:        id,
		provider:  req.Provider,
		model:     req.Model,
		label:     req.Label,
		role:      req.Role,
		parentID:  req.ParentID,
		createdAt: now,
		status:    StatusIdle,
		updatedAt: now,
		ring:      NewRingBuffer(ringSize),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if req.Role != nil {
		rec.obs = NewObservationBuffer()
	}
	return rec
}

func (rec *Record) isWatcher() bool { return rec.role != nil }

func (rec *Record) summary() Summary {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	s := Summary{
		ID:        rec.id,
		Provider:  rec.provider,
		Model:     rec.model,
		Label:     rec.label,
		Status:    rec.status,
		Attached:  rec.callback != nil,
		ParentID:  rec.parentID,
		Tokens:    rec.tokens,
		CreatedAt: rec.createdAt,
		UpdatedAt: rec.updatedAt,
	}
	if rec.role != nil {
		role := *rec.role
		s.Role = &role
	}
	return s
}

// enqueue adds input to the back of the queue. Urgent input goes after
// any urgent input already waiting and ahead of everything else. An urgent
// enqueue cancels the running turn in the same critical section so the
// input loop cannot pick up anything else first.
func (rec *Record) enqueue(in turnInput, urgent bool) {
	rec.mu.Lock()
	if urgent {
		if rec.cancelTurn != nil {
			rec.cancelTurn()
		}
		rec.queue = slices.Insert(rec.queue, rec.urgent, in)
		rec.urgent++
	} else {
		rec.queue = append(rec.queue, in)
	}
	rec.mu.Unlock()

	select {
	case rec.wake <- struct{}{}:
	default:
	}
}

// next blocks until input is queued, then pops it and opens the turn
// context under the same lock, so an interrupt can never fall between the
// two.
func (rec *Record) next() (turnInput, context.Context, context.CancelFunc, bool) {
	for {
		rec.mu.Lock()
		if len(rec.queue) > 0 {
			in := rec.queue[0]
			rec.queue = rec.queue[1:]
			if rec.urgent > 0 {
				rec.urgent--
			}
			ctx, cancel := rec.beginTurnLocked()
			rec.mu.Unlock()
			return in, ctx, cancel, true
		}
		rec.mu.Unlock()

		select {
		case <-rec.ctx.Done():
			return turnInput{}, nil, nil, false
		case <-rec.wake:
		}
	}
}

func (rec *Record) beginTurn() (context.Context, context.CancelFunc) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.beginTurnLocked()
}

func (rec *Record) beginTurnLocked() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(rec.ctx)
	rec.cancelTurn = cancel
	return ctx, cancel
}

func (rec *Record) endTurn() {
	rec.mu.Lock()
	rec.cancelTurn = nil
	rec.mu.Unlock()
}

// interrupt cancels the in-flight turn. It reports whether one was running.
func (rec *Record) interrupt() bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.cancelTurn == nil {
		return false
	}
	rec.cancelTurn()
	return true
}

func (rec *Record) queued() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.queue)
}
