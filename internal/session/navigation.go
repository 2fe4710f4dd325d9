package session

import (
	"fmt"
	"slices"
)

// TargetKind says where a navigation step lands.
type TargetKind string

const (
	// TargetSession is a session; Target.SessionID names it.
	TargetSession TargetKind = "session"
	// TargetCreate is past the last session: offer to create one.
	TargetCreate TargetKind = "create"
	// TargetOverview is before the first session: the session overview.
	TargetOverview TargetKind = "overview"
)

type Target struct {
	Kind      TargetKind `json:"kind"`
	SessionID string     `json:"sessionId,omitempty"`
}

// Next returns the session after id in navigation order. Each top-level
// session is followed by its watchers, in creation order. An empty id
// means the overview, so Next("") is the first session.
func (r *Registry) Next(id string) (Target, error) {
	order, i, err := r.position(id)
	if err != nil {
		return Target{}, err
	}
	if i+1 < len(order) {
		return Target{Kind: TargetSession, SessionID: order[i+1]}, nil
	}
	return Target{Kind: TargetCreate}, nil
}

// Prev returns the session before id in navigation order.
func (r *Registry) Prev(id string) (Target, error) {
	order, i, err := r.position(id)
	if err != nil {
		return Target{}, err
	}
	if i > 0 {
		return Target{Kind: TargetSession, SessionID: order[i-1]}, nil
	}
	return Target{Kind: TargetOverview}, nil
}

// Parent returns the session a watcher observes. ok is false for
// top-level sessions.
func (r *Registry) Parent(id string) (parentID string, ok bool, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, exists := r.sessions[id]; !exists {
		return "", false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	parentID, ok = r.graph.parentOf(id)
	return parentID, ok, nil
}

// position returns the navigation order and the index of id in it. The
// overview sits at index -1.
func (r *Registry) position(id string) ([]string, int, error) {
	r.mu.RLock()
	order := r.graph.order()
	r.mu.RUnlock()

	if id == "" {
		return order, -1, nil
	}
	i := slices.Index(order, id)
	if i < 0 {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return order, i, nil
}
