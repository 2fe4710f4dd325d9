package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sessiond/internal/event"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	defaultMaxSessions = 10
	defaultIdleTimeout = 5 * time.Second
	flushTimeout       = 5 * time.Second
)

// Registry owns every session and the watch graph between them.
type Registry struct {
	exec        Executor
	log         *zap.Logger
	clock       clock.Clock
	sink        HistorySink
	ringSize    int
	maxSessions int
	idleTimeout atomic.Int64

	mu       sync.RWMutex
	sessions map[string]*Record
	graph    *watchGraph
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(l *zap.Logger) Option { return func(r *Registry) { r.log = l } }

func WithClock(c clock.Clock) Option { return func(r *Registry) { r.clock = c } }

// WithRingSize sets how many events each session keeps for hydration.
func WithRingSize(n int) Option { return func(r *Registry) { r.ringSize = n } }

// WithMaxSessions caps the number of live sessions. Zero means no limit.
func WithMaxSessions(n int) Option { return func(r *Registry) { r.maxSessions = n } }

// WithIdleTimeout sets how long a watcher waits after the parent's last
// event before evaluating.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) { r.idleTimeout.Store(int64(d)) }
}

// WithHistorySink enables Flush and flush-on-remove.
func WithHistorySink(s HistorySink) Option { return func(r *Registry) { r.sink = s } }

// NewRegistry creates an empty registry that runs turns on exec.
func NewRegistry(exec Executor, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		exec:        exec,
		log:         zap.NewNop(),
		clock:       clock.New(),
		ringSize:    defaultRingSize,
		maxSessions: defaultMaxSessions,
		sessions:    make(map[string]*Record),
		graph:       newWatchGraph(),
		ctx:         ctx,
		cancel:      cancel,
	}
	r.idleTimeout.Store(int64(defaultIdleTimeout))
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create allocates an idle, detached session and starts its loop.
func (r *Registry) Create(req CreateRequest) (string, error) {
	if (req.Role == nil) != (req.ParentID == "") {
		return "", fmt.Errorf("%w: role and parent must be given together", ErrInvalidRole)
	}
	if req.Role != nil {
		role := *req.Role
		if err := role.Validate(); err != nil {
			return "", err
		}
		req.Role = &role
	}

	id := uuid.NewString()
	now := r.clock.Now()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return "", fmt.Errorf("%w (%d)", ErrMaxSessions, r.maxSessions)
	}
	if req.ParentID != "" {
		parent, ok := r.sessions[req.ParentID]
		if !ok {
			r.mu.Unlock()
			return "", fmt.Errorf("%w: parent %s not found", ErrInvalidRole, req.ParentID)
		}
		if parent.removing {
			r.mu.Unlock()
			return "", fmt.Errorf("%w: parent %s is being removed", ErrInvalidRole, req.ParentID)
		}
		if parent.isWatcher() {
			r.mu.Unlock()
			return "", fmt.Errorf("%w: parent %s is a watcher", ErrInvalidRole, req.ParentID)
		}
	}

	rec := newRecord(r.ctx, id, req, r.ringSize, now)
	r.sessions[id] = rec
	if req.ParentID != "" {
		r.graph.addWatcher(req.ParentID, id)
	} else {
		r.graph.addTopLevel(id)
	}
	r.wg.Add(1)
	r.mu.Unlock()

	if rec.isWatcher() {
		go r.watchLoop(rec)
	} else {
		go r.inputLoop(rec)
	}

	r.log.Info("session created",
		zap.String("session", id),
		zap.String("provider", req.Provider),
		zap.String("parent", req.ParentID),
		zap.Bool("watcher", rec.isWatcher()))
	return id, nil
}

func (r *Registry) get(id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// List returns a snapshot of every session in navigation order.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	recs := lo.Map(r.graph.order(), func(id string, _ int) *Record { return r.sessions[id] })
	r.mu.RUnlock()

	return lo.Map(recs, func(rec *Record, _ int) Summary { return rec.summary() })
}

// Get returns a snapshot of one session.
func (r *Registry) Get(id string) (Summary, error) {
	rec, err := r.get(id)
	if err != nil {
		return Summary{}, err
	}
	return rec.summary(), nil
}

// Status returns the run state of a session.
func (r *Registry) Status(id string) (Status, error) {
	rec, err := r.get(id)
	if err != nil {
		return "", err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.status, nil
}

// BufferedOutput returns the newest limit buffered events, or all of
// them when limit is not positive.
func (r *Registry) BufferedOutput(id string, limit int) ([]event.Event, error) {
	rec, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return rec.ring.ReadLast(limit), nil
}

// Attach registers cb for live events and returns the buffered events the
// previous attachment did not receive: everything on first attach, and the
// events produced while detached afterwards. Live delivery starts right
// after the returned events with no gap and no duplicate.
func (r *Registry) Attach(id string, cb Callback) ([]event.Event, error) {
	return r.attach(id, cb, nil)
}

// AttachFrom is Attach for a consumer that has already seen every event up
// to and including seq. Pass zero to receive the whole buffer.
func (r *Registry) AttachFrom(id string, seq uint64, cb Callback) ([]event.Event, error) {
	return r.attach(id, cb, &seq)
}

func (r *Registry) attach(id string, cb Callback, from *uint64) ([]event.Event, error) {
	rec, err := r.get(id)
	if err != nil {
		return nil, err
	}

	rec.emitMu.Lock()
	defer rec.emitMu.Unlock()
	rec.mu.Lock()
	defer rec.mu.Unlock()

	after := rec.delivered
	if from != nil {
		after = *from
	}
	events := rec.ring.Since(after)
	rec.callback = cb
	rec.delivered = rec.seq
	return events, nil
}

// Detach removes the callback. The session keeps running and buffering.
// Detaching a detached session is a no-op.
func (r *Registry) Detach(id string) error {
	rec, err := r.get(id)
	if err != nil {
		return err
	}

	rec.emitMu.Lock()
	defer rec.emitMu.Unlock()
	rec.mu.Lock()
	rec.callback = nil
	rec.mu.Unlock()
	return nil
}

// Remove destroys a session. A session with watchers is only removed when
// cascade is set; each watcher is stopped, ends with an Error("parent
// removed") event while it is still registered, and is then removed too.
func (r *Registry) Remove(id string, cascade bool) error {
	r.mu.Lock()
	rec, ok := r.sessions[id]
	if !ok || rec.removing {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	childIDs := r.graph.watchersOf(id)
	if len(childIDs) > 0 && !cascade {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s has %d", ErrHasActiveChildren, id, len(childIDs))
	}
	rec.removing = true
	children := make([]*Record, 0, len(childIDs))
	for _, cid := range childIDs {
		child := r.sessions[cid]
		child.removing = true
		children = append(children, child)
	}
	r.mu.Unlock()

	for _, child := range children {
		r.stop(child)
		r.publish(child, event.Error("parent removed"))
	}

	r.mu.Lock()
	for _, child := range children {
		r.graph.remove(child.id)
		delete(r.sessions, child.id)
	}
	r.graph.remove(id)
	delete(r.sessions, id)
	r.mu.Unlock()

	r.stop(rec)
	for _, child := range children {
		r.retire(child)
	}
	r.retire(rec)

	r.log.Info("session removed", zap.String("session", id), zap.Int("watchers", len(children)))
	return nil
}

// stop cancels a session's loop and waits for it to exit. It must not be
// called from the session's own loop or from its callback.
func (r *Registry) stop(rec *Record) {
	rec.cancel()
	<-rec.done
}

// retire flushes a removed session and drops executor state for it.
func (r *Registry) retire(rec *Record) {
	if r.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		if err := r.sink.SaveHistory(ctx, rec.id, rec.ring.ReadAll()); err != nil {
			r.log.Warn("flush on remove failed", zap.String("session", rec.id), zap.Error(err))
		}
		cancel()
	}
	if f, ok := r.exec.(Forgetter); ok {
		f.Forget(rec.id)
	}
}

// Interrupt cancels the session's in-flight turn, if any. The turn ends
// with a Done event marked interrupted.
func (r *Registry) Interrupt(id string) error {
	rec, err := r.get(id)
	if err != nil {
		return err
	}
	if rec.interrupt() {
		r.log.Debug("turn interrupted", zap.String("session", id))
	}
	return nil
}

// Send queues a user prompt and clears the saved draft.
func (r *Registry) Send(id, input string) error {
	if strings.TrimSpace(input) == "" {
		return ErrEmptyMessage
	}
	rec, err := r.get(id)
	if err != nil {
		return err
	}
	if rec.isWatcher() {
		return fmt.Errorf("%w: %s", ErrWatcherInput, id)
	}
	rec.mu.Lock()
	rec.pendingInput = ""
	rec.mu.Unlock()
	rec.enqueue(turnInput{kind: InputUser, text: input}, false)
	return nil
}

// Inject queues message as watcher input for id. An urgent message
// interrupts the running turn and goes to the front of the queue, so it is
// the next input the session takes up.
func (r *Registry) Inject(id, message string, urgent bool) error {
	if strings.TrimSpace(message) == "" {
		return ErrEmptyMessage
	}
	rec, err := r.get(id)
	if err != nil {
		return err
	}
	if rec.isWatcher() {
		return fmt.Errorf("%w: %s", ErrWatcherInput, id)
	}

	rec.injectMu.Lock()
	defer rec.injectMu.Unlock()
	rec.enqueue(turnInput{kind: InputWatcher, text: message}, urgent)

	r.log.Debug("input injected", zap.String("session", id), zap.Bool("urgent", urgent))
	return nil
}

// InjectFrom delivers message from a watcher into its parent, prefixed
// with the watcher's identity.
func (r *Registry) InjectFrom(watcherID, message string, urgent bool) error {
	rec, err := r.get(watcherID)
	if err != nil {
		return err
	}
	if !rec.isWatcher() {
		return fmt.Errorf("%w: %s is not a watcher", ErrInvalidRole, watcherID)
	}
	if strings.TrimSpace(message) == "" {
		return ErrEmptyMessage
	}
	return r.Inject(rec.parentID, FormatWatcherInput(*rec.role, watcherID, message), urgent)
}

// FormatWatcherInput renders a watcher message the way the parent sees it.
func FormatWatcherInput(role Role, watcherID, message string) string {
	return fmt.Sprintf("[WATCHER: %s | Authority: %s | Session: %s] %s",
		role.Name, role.Authority.DisplayName(), watcherID, message)
}

// PendingInput returns the saved unsent draft of a session.
func (r *Registry) PendingInput(id string) (string, error) {
	rec, err := r.get(id)
	if err != nil {
		return "", err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.pendingInput, nil
}

func (r *Registry) SetPendingInput(id, input string) error {
	rec, err := r.get(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	rec.pendingInput = input
	rec.mu.Unlock()
	return nil
}

// Flush writes the session's buffered output to the history sink. It is a
// no-op without one.
func (r *Registry) Flush(ctx context.Context, id string) error {
	rec, err := r.get(id)
	if err != nil {
		return err
	}
	if r.sink == nil {
		return nil
	}
	if err := r.sink.SaveHistory(ctx, id, rec.ring.ReadAll()); err != nil {
		return fmt.Errorf("flush %s: %w", id, err)
	}
	return nil
}

// SetIdleTimeout changes the watcher idle breakpoint. Waiting watchers
// pick it up on their next wake-up.
func (r *Registry) SetIdleTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultIdleTimeout
	}
	r.idleTimeout.Store(int64(d))
}

func (r *Registry) IdleTimeout() time.Duration {
	return time.Duration(r.idleTimeout.Load())
}

// Close cancels every session and waits for their loops to exit.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

// publish stamps ev, writes it to the session's ring, hands it to the
// attached callback and appends it to every watcher of the session.
// It must not be called with r.mu held.
func (r *Registry) publish(rec *Record, ev event.Event) event.Event {
	rec.emitMu.Lock()
	defer rec.emitMu.Unlock()

	now := r.clock.Now()

	rec.mu.Lock()
	rec.seq++
	ev.Seq = rec.seq
	ev.SessionID = rec.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	switch ev.Kind {
	case event.KindStatus:
		rec.status = Status(ev.Status)
	case event.KindTokenUsage:
		if ev.Usage != nil {
			rec.tokens.Input += ev.Usage.Input
			rec.tokens.Output += ev.Usage.Output
		}
	}
	rec.ring.Write(ev)
	rec.updatedAt = now
	cb := rec.callback
	if cb != nil {
		rec.delivered = ev.Seq
	}
	rec.mu.Unlock()

	if cb != nil {
		cb(ev)
	}

	if !rec.isWatcher() {
		r.mu.RLock()
		watchers := lo.FilterMap(r.graph.watchersOf(rec.id), func(id string, _ int) (*Record, bool) {
			w, ok := r.sessions[id]
			return w, ok
		})
		r.mu.RUnlock()
		for _, w := range watchers {
			w.obs.Append(rec.id, ev, now)
		}
	}
	return ev
}

func (r *Registry) setStatus(rec *Record, s Status) {
	rec.mu.Lock()
	same := rec.status == s
	rec.mu.Unlock()
	if !same {
		r.publish(rec, event.StatusChanged(string(s)))
	}
}

// inputLoop runs the turns of a regular session one at a time.
func (r *Registry) inputLoop(rec *Record) {
	defer r.wg.Done()
	defer close(rec.done)

	for {
		in, ctx, cancel, ok := rec.next()
		if !ok {
			return
		}
		r.runTurn(rec, in, ctx, cancel, nil)
	}
}

// runTurn executes one turn and emits its terminal events. tap, if set,
// sees every content event after publication. It reports whether the turn
// completed normally.
func (r *Registry) runTurn(rec *Record, in turnInput, ctx context.Context, cancel context.CancelFunc, tap func(event.Event)) bool {
	defer cancel()

	switch in.kind {
	case InputUser:
		r.publish(rec, event.UserInput(in.text))
	case InputWatcher:
		r.publish(rec, event.WatcherInput(in.text))
	}
	r.setStatus(rec, StatusRunning)

	emit := func(ev event.Event) {
		if ctx.Err() != nil {
			return
		}
		switch ev.Kind {
		case event.KindDone, event.KindError, event.KindStatus,
			event.KindUserInput, event.KindWatcherInput, event.KindPendingInterjection:
			return
		}
		ev = r.publish(rec, ev)
		if tap != nil {
			tap(ev)
		}
	}

	err := r.exec.RunTurn(ctx, TurnRequest{
		SessionID: rec.id,
		Provider:  rec.provider,
		Model:     rec.model,
		Kind:      in.kind,
		Input:     in.text,
	}, emit)
	interrupted := err != nil && (errors.Is(err, context.Canceled) || ctx.Err() != nil)
	rec.endTurn()

	switch {
	case interrupted:
		r.setStatus(rec, StatusIdle)
		r.publish(rec, event.Done(true))
		return false
	case err != nil:
		r.log.Warn("turn failed", zap.String("session", rec.id), zap.Error(err))
		r.setStatus(rec, StatusError)
		r.publish(rec, event.Error(err.Error()))
		return false
	default:
		r.setStatus(rec, StatusIdle)
		r.publish(rec, event.Done(false))
		return true
	}
}
