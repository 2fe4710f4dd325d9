package session

import (
	"fmt"
	"strings"
	"time"
)

// Status is the run state of a session. Attachment is tracked separately.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

// Authority controls how a parent should weigh a watcher's message.
type Authority string

const (
	AuthorityPeer       Authority = "peer"
	AuthoritySupervisor Authority = "supervisor"
)

// ParseAuthority accepts "peer" or "supervisor" in any case.
func ParseAuthority(s string) (Authority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "peer":
		return AuthorityPeer, nil
	case "supervisor":
		return AuthoritySupervisor, nil
	}
	return "", fmt.Errorf("%w: unknown authority %q", ErrInvalidRole, s)
}

// DisplayName is the capitalized form used in watcher input prefixes.
func (a Authority) DisplayName() string {
	if a == AuthoritySupervisor {
		return "Supervisor"
	}
	return "Peer"
}

// Role describes a watcher session.
type Role struct {
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description"`
	Authority   Authority `json:"authority" yaml:"authority"`
	AutoInject  bool      `json:"autoInject" yaml:"auto_inject"`
}

// Validate normalizes the authority and checks the name.
func (r *Role) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return fmt.Errorf("%w: role name is required", ErrInvalidRole)
	}
	if r.Authority == "" {
		r.Authority = AuthorityPeer
		return nil
	}
	a, err := ParseAuthority(string(r.Authority))
	if err != nil {
		return err
	}
	r.Authority = a
	return nil
}

// TokenCount is the running token total of a session.
type TokenCount struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// Summary is a point-in-time snapshot of a session for listings.
type Summary struct {
	ID        string     `json:"id"`
	Provider  string     `json:"provider"`
	Model     string     `json:"model"`
	Label     string     `json:"label"`
	Status    Status     `json:"status"`
	Attached  bool       `json:"attached"`
	Role      *Role      `json:"role,omitempty"`
	ParentID  string     `json:"parentId,omitempty"`
	Tokens    TokenCount `json:"tokens"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// IsWatcher reports whether the summary describes a watcher session.
func (s Summary) IsWatcher() bool { return s.Role != nil }

// CreateRequest carries the parameters of Registry.Create. Role and
// ParentID must be set together.
type CreateRequest struct {
	Provider string
	Model    string
	Label    string
	ParentID string
	Role     *Role
}
