package session

import "errors"

// Errors returned by Registry operations. Callers classify them with
// errors.Is; the returned errors wrap these with the offending id.
var (
	ErrNotFound          = errors.New("session not found")
	ErrInvalidRole       = errors.New("invalid role")
	ErrHasActiveChildren = errors.New("session has watchers")
	ErrMaxSessions       = errors.New("maximum sessions reached")
	ErrEmptyMessage      = errors.New("empty message")
	ErrWatcherInput      = errors.New("watchers only accept evaluation input")
	ErrClosed            = errors.New("registry closed")
)
