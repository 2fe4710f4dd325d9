package session

import (
	"context"

	"sessiond/internal/event"
)

// InputKind says where a turn's input came from.
type InputKind string

const (
	InputUser       InputKind = "user"
	InputWatcher    InputKind = "watcher"
	InputEvaluation InputKind = "evaluation"
)

// TurnRequest is one turn handed to an Executor.
type TurnRequest struct {
	SessionID string
	Provider  string
	Model     string
	Kind      InputKind
	Input     string
}

// Emit delivers a content event produced by a turn.
type Emit func(event.Event)

// Executor runs agent turns. RunTurn calls emit from a single goroutine
// and must return promptly once ctx is cancelled. It returns nil when the
// turn completed; the registry emits the terminal Done or Error event, so
// executors should not.
type Executor interface {
	RunTurn(ctx context.Context, req TurnRequest, emit Emit) error
}

// Forgetter is implemented by executors that keep per-session state.
type Forgetter interface {
	Forget(sessionID string)
}

// HistorySink receives a session's buffered output on Flush.
type HistorySink interface {
	SaveHistory(ctx context.Context, sessionID string, events []event.Event) error
}
