// Package stage is the boundary between the scheduler and the code that
// performs the work of each pipeline stage.
//
// The scheduler decodes a claimed task, looks up the Handler registered
// for its type and hands it a Request. Handlers read and write artifacts
// and return a JSON serializable output that is stored on the task.
package stage

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/BaSui01/proofflow/taskdef"
	"github.com/BaSui01/proofflow/types"
)

// Request is one unit of work handed to a Handler.
type Request struct {
	JobID      uuid.UUID
	TaskID     string
	Definition taskdef.Definition
}

// Handler performs the work of one stage.
type Handler interface {
	Handle(ctx context.Context, req Request) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req Request) (any, error) {
	return f(ctx, req)
}

// Registry maps task types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[taskdef.TaskType]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[taskdef.TaskType]Handler)}
}

// Register installs h for t, replacing any previous handler.
func (r *Registry) Register(t taskdef.TaskType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Handler returns the handler of t.
func (r *Registry) Handler(t taskdef.TaskType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	if !ok {
		return nil, types.NewError(types.ErrHandlerMissing, fmt.Sprintf("no handler registered for %s tasks", t)).
			WithRetryable(false)
	}
	return h, nil
}

// Types lists the registered task types.
func (r *Registry) Types() []taskdef.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]taskdef.TaskType, 0, len(r.handlers))
	for _, t := range taskdef.AllTypes {
		if _, ok := r.handlers[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Dispatch runs the handler registered for the request's task type.
func (r *Registry) Dispatch(ctx context.Context, req Request) (any, error) {
	if req.Definition == nil {
		return nil, types.NewValidationError("task %s has no definition", req.TaskID)
	}
	h, err := r.Handler(req.Definition.Type())
	if err != nil {
		return nil, err
	}
	return h.Handle(ctx, req)
}
