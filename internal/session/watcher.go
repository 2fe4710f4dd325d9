package session

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"sessiond/internal/event"
	"sessiond/internal/interject"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// WatcherState is where a watcher is in its evaluation cycle.
type WatcherState int32

const (
	WatcherIdle WatcherState = iota
	WatcherEvaluating
	WatcherParsing
)

func (s WatcherState) String() string {
	switch s {
	case WatcherEvaluating:
		return "evaluating"
	case WatcherParsing:
		return "parsing"
	default:
		return "idle"
	}
}

type watcherState struct{ v atomic.Int32 }

// begin moves Idle to Evaluating. It fails if an evaluation is in flight.
func (w *watcherState) begin() bool {
	return w.v.CompareAndSwap(int32(WatcherIdle), int32(WatcherEvaluating))
}

func (w *watcherState) set(s WatcherState) { w.v.Store(int32(s)) }

func (w *watcherState) load() WatcherState { return WatcherState(w.v.Load()) }

// WatcherState returns the evaluation state of a watcher session.
func (r *Registry) WatcherState(id string) (WatcherState, error) {
	rec, err := r.get(id)
	if err != nil {
		return WatcherIdle, err
	}
	if !rec.isWatcher() {
		return WatcherIdle, fmt.Errorf("%w: %s is not a watcher", ErrInvalidRole, id)
	}
	return rec.state.load(), nil
}

// watchLoop waits for breakpoints in the parent's activity and evaluates
// them, one at a time.
func (r *Registry) watchLoop(rec *Record) {
	defer r.wg.Done()
	defer close(rec.done)

	timer := r.clock.Timer(defaultIdleTimeout)
	stopTimer(timer)

	for {
		if rec.ctx.Err() != nil {
			return
		}

		now := r.clock.Now()
		idle := r.IdleTimeout()
		if rec.obs.Ready(now, idle) {
			r.evaluate(rec)
			continue
		}

		var fire <-chan time.Time
		if deadline, ok := rec.obs.IdleDeadline(idle); ok {
			timer.Reset(deadline.Sub(now))
			fire = timer.C
		}

		select {
		case <-rec.ctx.Done():
			stopTimer(timer)
			return
		case <-rec.obs.Notify():
		case <-fire:
		}
		stopTimer(timer)
	}
}

func stopTimer(t *clock.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// evaluate runs one evaluation over everything observed so far.
func (r *Registry) evaluate(rec *Record) {
	if !rec.state.begin() {
		return
	}
	defer rec.state.set(WatcherIdle)

	observed := rec.obs.Take()
	if len(observed) == 0 {
		return
	}

	log := r.log.With(zap.String("watcher", rec.id), zap.String("parent", rec.parentID))
	log.Debug("evaluating", zap.Int("observations", len(observed)))

	var text strings.Builder
	ctx, cancel := rec.beginTurn()
	completed := r.runTurn(rec, turnInput{
		kind: InputEvaluation,
		text: EvaluationPrompt(*rec.role, observed),
	}, ctx, cancel, func(ev event.Event) {
		if ev.Kind == event.KindText {
			text.WriteString(ev.Text)
		}
	})
	if !completed {
		return
	}

	rec.state.set(WatcherParsing)
	ij, ok := interject.Parse(text.String())
	if !ok {
		if note, ok := interject.Note(text.String()); ok {
			log.Debug("no interjection", zap.String("note", note))
		}
		return
	}

	if !rec.role.AutoInject {
		r.publish(rec, event.PendingInterjection(ij.Content, ij.Urgent))
		return
	}
	if err := r.InjectFrom(rec.id, ij.Content, ij.Urgent); err != nil {
		log.Warn("interjection not delivered", zap.Error(err))
		return
	}
	log.Info("interjected", zap.Bool("urgent", ij.Urgent))
}

// EvaluationPrompt builds the input of a watcher's evaluation turn.
func EvaluationPrompt(role Role, observed []Observation) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are a watcher session with role: %s\n", role.Name)
	if role.Description != "" {
		fmt.Fprintf(&b, "Role description: %s\n", role.Description)
	}
	guidance := "As a Peer, your interjections are suggestions that the parent session may consider."
	if role.Authority == AuthoritySupervisor {
		guidance = "As a Supervisor, your interjections carry authority and should be followed by the parent session."
	}
	fmt.Fprintf(&b, "Authority level: %s - %s\n\n", role.Authority.DisplayName(), guidance)

	b.WriteString("=== PARENT SESSION OBSERVATIONS ===\n\n")
	for _, o := range observed {
		writeObservation(&b, o.Event)
	}
	b.WriteString("\n=== END OBSERVATIONS ===\n\n")
	b.WriteString(responseFormat)
	return b.String()
}

func writeObservation(b *strings.Builder, ev event.Event) {
	switch ev.Kind {
	case event.KindText:
		b.WriteString(ev.Text)
	case event.KindThought:
		fmt.Fprintf(b, "[Thinking]: %s\n", ev.Text)
	case event.KindToolCall:
		fmt.Fprintf(b, "[Tool Call]: %s (%s)\n", ev.ToolCall.Name, ev.ToolCall.ID)
	case event.KindToolResult:
		label := "[Tool Result]"
		if ev.ToolResult.IsError {
			label = "[Tool Error]"
		}
		fmt.Fprintf(b, "%s: %s\n%s\n", label, ev.ToolResult.ID, ev.ToolResult.Payload)
	case event.KindUserInput:
		fmt.Fprintf(b, "\n[User]: %s\n", ev.Text)
	case event.KindWatcherInput:
		fmt.Fprintf(b, "\n[Watcher Input]: %s\n", ev.Text)
	case event.KindError:
		fmt.Fprintf(b, "\n[Error]: %s\n", ev.Text)
	case event.KindDone:
		if ev.Interrupted {
			b.WriteString("\n[Turn interrupted]\n")
		}
	}
}

const responseFormat = `Based on these observations, evaluate whether you need to interject.

RESPONSE FORMAT (required):
If you need to inject a message to the parent session, respond with:
[INTERJECT]
urgent: true
content: Your message here
[/INTERJECT]

Set 'urgent: true' to interrupt the parent mid-stream (for critical issues).
Set 'urgent: false' to wait until the parent's current turn completes.

If no interjection is needed, respond with:
[CONTINUE]
Your reasoning here (optional)
[/CONTINUE]

Important: Use EXACT markers [INTERJECT], [/INTERJECT], [CONTINUE], [/CONTINUE].
Field names must be lowercase: 'urgent:' and 'content:'.
`
