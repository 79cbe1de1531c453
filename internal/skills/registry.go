// Package skills holds the handlers that skill-job payloads refer to.
//
// A job payload stores only opaque (skillId, jobId) references; the
// scheduler resolves them here at execution time. A missing handler is a
// configuration gap, not a failure: the scheduler records such runs as
// skipped.
package skills

import (
	"context"
	"strings"
	"sync"
)

// Runner executes a skill invocation and returns its textual output.
type Runner func(ctx context.Context) (string, error)

// Handler builds a Runner for one invocation. jobID identifies the
// scheduled job that owns the invocation, so a handler can keep per-job
// state (conversation threads, cursors, ...).
type Handler func(jobID string) Runner

// Registry is a concurrency-safe map of skill handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register installs (or replaces) the handler for a skill id.
func (r *Registry) Register(skillID string, h Handler) {
	skillID = strings.TrimSpace(skillID)
	if skillID == "" || h == nil {
		return
	}
	r.mu.Lock()
	r.handlers[skillID] = h
	r.mu.Unlock()
}

// Unregister removes a handler. Unknown ids are ignored.
func (r *Registry) Unregister(skillID string) {
	r.mu.Lock()
	delete(r.handlers, skillID)
	r.mu.Unlock()
}

// Resolve returns the runner for a (skillId, jobId) reference, or false
// when no handler is registered.
func (r *Registry) Resolve(skillID, jobID string) (Runner, bool) {
	r.mu.RLock()
	h, ok := r.handlers[skillID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	run := h(jobID)
	if run == nil {
		return nil, false
	}
	return run, true
}

// IDs returns the registered skill ids (unordered).
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	return ids
}
