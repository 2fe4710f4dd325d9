package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"sessiond/internal/event"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate   = "session.update"
	TypeSessionList     = "session.list"
	TypeSessionHydrate  = "session.hydrate"
	TypeSessionOutput   = "session.output"
	TypeSessionRemoved  = "session.removed"
	TypeSessionNavigate = "session.navigate"
	TypeSessionStatus   = "session.status"
	TypeBufferedOutput  = "session.bufferedOutput"
	TypeError           = "error"
)

// Client → Server message types. session.list and session.navigate are
// shared with the server's replies.
const (
	TypeSessionCreate          = "session.create"
	TypeSessionPrompt          = "session.prompt"
	TypeSessionAttach          = "session.attach"
	TypeSessionDetach          = "session.detach"
	TypeSessionRemove          = "session.remove"
	TypeSessionInterrupt       = "session.interrupt"
	TypeSessionInject          = "session.inject"
	TypeSessionWatcherInject   = "session.watcherInject"
	TypeSessionRequestStatus   = "session.requestStatus"
	TypeSessionRequestOutput   = "session.requestOutput"
	TypeSessionSetPendingInput = "session.setPendingInput"
)

// Error codes.
const (
	ErrSessionNotFound   = "SESSION_NOT_FOUND"
	ErrInvalidRole       = "INVALID_ROLE"
	ErrHasActiveChildren = "HAS_ACTIVE_CHILDREN"
	ErrMaxSessions       = "MAX_SESSIONS"
	ErrEmptyMessage      = "EMPTY_MESSAGE"
	ErrWatcherInput      = "WATCHER_INPUT"
	ErrInvalidMessage    = "INVALID_MESSAGE"
	ErrUnknownProvider   = "UNKNOWN_PROVIDER"
	ErrHistoryDisabled   = "HISTORY_DISABLED"
	ErrInternal          = "INTERNAL"
)

// Navigation directions.
const (
	DirectionNext   = "next"
	DirectionPrev   = "prev"
	DirectionParent = "parent"
)

// Server → Client payloads.

type RolePayload struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Authority   string `json:"authority,omitempty"`
	AutoInject  bool   `json:"autoInject"`
}

type TokensPayload struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

type SessionUpdatePayload struct {
	ID        string        `json:"id"`
	Provider  string        `json:"provider"`
	Model     string        `json:"model,omitempty"`
	Label     string        `json:"label"`
	Status    string        `json:"status"`
	Attached  bool          `json:"attached"`
	ParentID  string        `json:"parentId,omitempty"`
	Role      *RolePayload  `json:"role,omitempty"`
	Tokens    TokensPayload `json:"tokens"`
	CreatedAt string        `json:"createdAt"`
	UpdatedAt string        `json:"updatedAt"`
}

type SessionListPayload struct {
	Sessions []SessionUpdatePayload `json:"sessions"`
}

// SessionHydratePayload carries the buffered events an attach returned.
type SessionHydratePayload struct {
	SessionID string        `json:"sessionId"`
	Events    []event.Event `json:"events"`
}

type SessionOutputPayload struct {
	SessionID string      `json:"sessionId"`
	Event     event.Event `json:"event"`
}

type SessionRemovedPayload struct {
	SessionID string `json:"sessionId"`
}

// NavigateResultPayload answers session.navigate. Target is "session",
// "create", "overview", or "none" for a parent request on a top-level
// session.
type NavigateResultPayload struct {
	From      string `json:"from"`
	Direction string `json:"direction"`
	Target    string `json:"target"`
	SessionID string `json:"sessionId,omitempty"`
}

type SessionStatusPayload struct {
	SessionID    string `json:"sessionId"`
	Status       string `json:"status"`
	Attached     bool   `json:"attached"`
	WatcherState string `json:"watcherState,omitempty"`
	PendingInput string `json:"pendingInput"`
}

type BufferedOutputPayload struct {
	SessionID string        `json:"sessionId"`
	Events    []event.Event `json:"events"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

// SessionCreatePayload creates a top-level session, or a watcher when
// ParentID is set together with Role or Preset.
type SessionCreatePayload struct {
	Provider string       `json:"provider"`
	Model    string       `json:"model"`
	Label    string       `json:"label"`
	ParentID string       `json:"parentId"`
	Role     *RolePayload `json:"role"`
	Preset   string       `json:"preset"`
}

type SessionPromptPayload struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

// SessionAttachPayload attaches to a session. With After set, hydration
// starts after that sequence number instead of at the first undelivered
// event.
type SessionAttachPayload struct {
	SessionID string  `json:"sessionId"`
	After     *uint64 `json:"after,omitempty"`
}

type SessionRemovePayload struct {
	SessionID string `json:"sessionId"`
	Cascade   bool   `json:"cascade"`
}

type SessionInjectPayload struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	Urgent    bool   `json:"urgent"`
}

type WatcherInjectPayload struct {
	WatcherID string `json:"watcherId"`
	Message   string `json:"message"`
	Urgent    bool   `json:"urgent"`
}

// SessionNavigatePayload moves from SessionID; empty means the overview.
type SessionNavigatePayload struct {
	SessionID string `json:"sessionId"`
	Direction string `json:"direction"`
}

type RequestOutputPayload struct {
	SessionID string `json:"sessionId"`
	Limit     int    `json:"limit"`
}

type SetPendingInputPayload struct {
	SessionID string `json:"sessionId"`
	Input     string `json:"input"`
}

type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}
