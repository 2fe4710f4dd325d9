// Package executor provides the turn executors sessions run on.
package executor

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"sessiond/internal/event"
	"sessiond/internal/session"

	"github.com/benbjohnson/clock"
)

// toolPrefix makes Echo simulate a tool round trip: "!tool grep foo"
// emits a grep call with args "foo" and its result.
const toolPrefix = "!tool "

// Echo is a deterministic executor that repeats its input word by word.
// It answers watcher evaluations with a CONTINUE block.
type Echo struct {
	clock clock.Clock
	delay time.Duration
}

type EchoOption func(*Echo)

// WithChunkDelay waits d between emitted words.
func WithChunkDelay(d time.Duration) EchoOption { return func(e *Echo) { e.delay = d } }

func WithEchoClock(c clock.Clock) EchoOption { return func(e *Echo) { e.clock = c } }

func NewEcho(opts ...EchoOption) *Echo {
	e := &Echo{clock: clock.New()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Echo) RunTurn(ctx context.Context, req session.TurnRequest, emit session.Emit) error {
	if req.Kind == session.InputEvaluation {
		emit(event.Text("[CONTINUE]\nno concerns\n[/CONTINUE]"))
		return nil
	}

	if rest, ok := strings.CutPrefix(req.Input, toolPrefix); ok {
		name, args, _ := strings.Cut(strings.TrimSpace(rest), " ")
		raw, _ := json.Marshal(map[string]string{"args": args})
		emit(event.NewToolCall("echo-"+name, name, raw))
		if err := e.wait(ctx); err != nil {
			return err
		}
		emit(event.NewToolResult("echo-"+name, args, false))
		return nil
	}

	words := strings.Fields(req.Input)
	for i, w := range words {
		if err := e.wait(ctx); err != nil {
			return err
		}
		if i > 0 {
			w = " " + w
		}
		emit(event.Text(w))
	}
	emit(event.Usage(int64(len(words)), int64(len(words))))
	return nil
}

func (e *Echo) wait(ctx context.Context) error {
	if e.delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.clock.After(e.delay):
		return nil
	}
}
