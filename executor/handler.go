// Package executor runs one pipeline stage for one work item, normalizing
// whatever the stage handler does into a single Outcome.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/labelsquor/orchestrator/store"
	"github.com/labelsquor/orchestrator/workflow"
)

// Handler executes one pipeline stage. Implementations should honor ctx
// cancellation and return either an Outcome or an error; errors are
// classified by the executor.
type Handler interface {
	Execute(ctx context.Context, item *store.WorkItem) (workflow.Outcome, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, item *store.WorkItem) (workflow.Outcome, error)

func (f HandlerFunc) Execute(ctx context.Context, item *store.WorkItem) (workflow.Outcome, error) {
	return f(ctx, item)
}

// Registry maps pipeline stages to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[workflow.Stage]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[workflow.Stage]Handler)}
}

// Register binds a handler to a stage, replacing any previous binding.
func (r *Registry) Register(stage workflow.Stage, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[stage] = h
}

// RegisterFunc binds a function to a stage.
func (r *Registry) RegisterFunc(stage workflow.Stage, f HandlerFunc) {
	r.Register(stage, f)
}

// Handler returns the handler for the stage.
func (r *Registry) Handler(stage workflow.Stage) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[stage]
	if !ok {
		return nil, fmt.Errorf("no handler registered for stage %s", stage)
	}
	return h, nil
}
