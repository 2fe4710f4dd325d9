package executor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"sessiond/internal/session"

	"github.com/samber/lo"
)

var ErrUnknownProvider = errors.New("unknown provider")

// Router dispatches turns to an executor by the session's provider.
type Router struct {
	mu       sync.RWMutex
	routes   map[string]session.Executor
	fallback string
}

// NewRouter creates a router. Sessions without a provider use fallback.
func NewRouter(fallback string) *Router {
	return &Router{
		routes:   make(map[string]session.Executor),
		fallback: fallback,
	}
}

func (r *Router) Register(provider string, exec session.Executor) {
	r.mu.Lock()
	r.routes[provider] = exec
	r.mu.Unlock()
}

// Providers returns the registered provider names, sorted.
func (r *Router) Providers() []string {
	r.mu.RLock()
	names := lo.Keys(r.routes)
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

func (r *Router) Has(provider string) bool {
	if provider == "" {
		provider = r.fallback
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.routes[provider]
	return ok
}

func (r *Router) RunTurn(ctx context.Context, req session.TurnRequest, emit session.Emit) error {
	provider := req.Provider
	if provider == "" {
		provider = r.fallback
	}
	r.mu.RLock()
	exec, ok := r.routes[provider]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	return exec.RunTurn(ctx, req, emit)
}

// Forget passes through to every executor that keeps per-session state.
func (r *Router) Forget(sessionID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, exec := range r.routes {
		if f, ok := exec.(session.Forgetter); ok {
			f.Forget(sessionID)
		}
	}
}
