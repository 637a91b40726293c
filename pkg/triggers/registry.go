// Package triggers keeps scheduler jobs and trigger rows consistent: a
// pluggable handler registry, the orchestrator that activates and
// deactivates flows, and the webhook and queue handlers.
package triggers

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/flowforge/flowforge/pkg/protocol"
)

// Registry dispatches trigger types to their handlers. New trigger types
// plug in by registering a handler; nothing else changes.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]protocol.TriggerHandler
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]protocol.TriggerHandler),
		logger:   logger.With("module", "trigger_registry"),
	}
}

// RegisterHandler binds a handler to its trigger type. A later handler
// for the same type replaces the earlier one.
func (r *Registry) RegisterHandler(handler protocol.TriggerHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[handler.Type()] = handler
	r.logger.Info("Registered trigger handler", "type", handler.Type())
}

// Handler returns the handler for the trigger type.
func (r *Registry) Handler(triggerType string) (protocol.TriggerHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[triggerType]
	if !ok {
		return nil, fmt.Errorf("no handler registered for trigger type %q", triggerType)
	}

	return handler, nil
}

// Types returns the registered trigger types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}

	return types
}
