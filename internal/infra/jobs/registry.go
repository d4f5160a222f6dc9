// Package jobs provides the execution infrastructure for the pipeline's job
// contract: a handler registry, a dispatching publisher, and a runner that
// enforces budgets, backoff, rate-limiter buckets, and uniqueness windows
// around every job body.
package jobs

import (
	"fmt"
	"sync"

	"github.com/tunedex/tunedex/internal/domain/events"
	"github.com/tunedex/tunedex/internal/domain/jobs"
)

// Registry maps event types to their job handlers. Each event type has
// exactly one handler responsible for processing jobs of that type.
type Registry struct {
	mu       sync.RWMutex
	handlers map[events.EventType]jobs.Handler
}

// NewRegistry constructs an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[events.EventType]jobs.Handler)}
}

// Register associates a handler with its declared event type. Registering a
// second handler for the same type replaces the first.
func (r *Registry) Register(h jobs.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Type()] = h
}

// Get returns the handler for the given event type.
func (r *Registry) Get(t events.EventType) (jobs.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("no handler registered for event type: %s", t)
	}
	return h, nil
}

// Types returns every registered event type.
func (r *Registry) Types() []events.EventType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]events.EventType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
