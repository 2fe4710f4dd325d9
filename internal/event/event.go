// Package event defines the output events a session emits while it runs.
package event

import (
	"encoding/json"
	"time"
)

// Kind discriminates the Event variants.
type Kind string

const (
	KindText                Kind = "text"
	KindThought             Kind = "thought"
	KindToolCall            Kind = "tool_call"
	KindToolResult          Kind = "tool_result"
	KindStatus              Kind = "status"
	KindTokenUsage          Kind = "token_usage"
	KindDone                Kind = "done"
	KindError               Kind = "error"
	KindUserInput           Kind = "user_input"
	KindWatcherInput        Kind = "watcher_input"
	KindPendingInterjection Kind = "pending_interjection"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResult is the outcome of a tool invocation.
type ToolResult struct {
	ID      string `json:"id"`
	Payload string `json:"payload"`
	IsError bool   `json:"isError,omitempty"`
}

// TokenUsage reports token counts for a turn.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// Event is a single output event from a session. Events are values and
// are copied on fan-out; nothing mutates an Event after publication.
//
// Seq and SessionID are assigned by the registry when the event is
// published. Constructors leave them zero.
type Event struct {
	Seq        uint64      `json:"seq"`
	SessionID  string      `json:"sessionId"`
	Kind       Kind        `json:"kind"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"toolCall,omitempty"`
	ToolResult *ToolResult `json:"toolResult,omitempty"`
	Status     string      `json:"status,omitempty"`
	Usage      *TokenUsage `json:"usage,omitempty"`

	// Interrupted is set on Done when the turn was cancelled.
	Interrupted bool `json:"interrupted,omitempty"`
	// Urgent is set on PendingInterjection.
	Urgent bool `json:"urgent,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

func Text(s string) Event    { return Event{Kind: KindText, Text: s} }
func Thought(s string) Event { return Event{Kind: KindThought, Text: s} }

func NewToolCall(id, name string, args json.RawMessage) Event {
	return Event{Kind: KindToolCall, ToolCall: &ToolCall{ID: id, Name: name, Args: args}}
}

func NewToolResult(id, payload string, isError bool) Event {
	return Event{Kind: KindToolResult, ToolResult: &ToolResult{ID: id, Payload: payload, IsError: isError}}
}

func StatusChanged(status string) Event { return Event{Kind: KindStatus, Status: status} }

func Usage(input, output int64) Event {
	return Event{Kind: KindTokenUsage, Usage: &TokenUsage{Input: input, Output: output}}
}

func Done(interrupted bool) Event { return Event{Kind: KindDone, Interrupted: interrupted} }

func Error(msg string) Event { return Event{Kind: KindError, Text: msg} }

func UserInput(s string) Event    { return Event{Kind: KindUserInput, Text: s} }
func WatcherInput(s string) Event { return Event{Kind: KindWatcherInput, Text: s} }

// PendingInterjection surfaces an interjection a watcher decided on but
// did not deliver because the watcher is not allowed to auto-inject.
func PendingInterjection(content string, urgent bool) Event {
	return Event{Kind: KindPendingInterjection, Text: content, Urgent: urgent}
}

// IsBreakpoint reports whether a watcher should evaluate after seeing e.
func (e Event) IsBreakpoint() bool {
	return e.Kind == KindDone || e.Kind == KindToolResult
}

// IsTerminal reports whether e ends a turn.
func (e Event) IsTerminal() bool {
	return e.Kind == KindDone || e.Kind == KindError
}
