package processor

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/Ramsey-B/fern/pkg/queue"
)

// Handler does the work for one job kind and returns the result document
type Handler interface {
	Handle(ctx context.Context, job *queue.Job) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job *queue.Job) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Registry maps job kinds to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[queue.Kind]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[queue.Kind]Handler)}
}

// Register sets the handler for kind, replacing any previous one
func (r *Registry) Register(kind queue.Kind, h Handler) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
	return r
}

func (r *Registry) Lookup(kind queue.Kind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}
