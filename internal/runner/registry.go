package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/lumina-media/indexer-backend/internal/models"
)

// HandlerFunc processes one task and returns an output summary. Handlers
// are supplied by the external processing subsystem; the scheduler core
// treats them as correct, possibly slow, and occasionally failing. A
// handler must observe ctx cancellation and exit promptly.
type HandlerFunc func(ctx context.Context, task *models.Task) (string, error)

// Registry maps task types to their handlers. It is populated once at
// startup; a task whose type has no registered handler fails permanently.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.TaskType]HandlerFunc
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.TaskType]HandlerFunc)}
}

// Register binds a handler to a task type. Registering the same type twice
// is a configuration error.
func (r *Registry) Register(taskType models.TaskType, fn HandlerFunc) error {
	if fn == nil {
		return fmt.Errorf("nil handler for task type %q", taskType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[taskType]; exists {
		return fmt.Errorf("handler already registered for task type %q", taskType)
	}
	r.handlers[taskType] = fn
	return nil
}

// Lookup returns the handler for a task type, or nil when none is bound.
func (r *Registry) Lookup(taskType models.TaskType) HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[taskType]
}
