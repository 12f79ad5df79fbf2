package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"driveline/internal/domain"
	"driveline/internal/signals"
)

// HandlerRequest carries one execution of a directive into a handler.
type HandlerRequest struct {
	Tenant      string
	Payload     map[string]any
	Subject     domain.Subject
	DirectiveID string
}

// Handler performs a single domain mutation. It must be idempotent by
// construction ("set status to X", not "increment") and return expected
// domain failures as errors, never panic for them. Long-running work is
// decomposed into further chained directives instead of blocking here.
type Handler func(ctx context.Context, req HandlerRequest) (map[string]any, error)

// Registry maps directive types to handlers. Bad registrations are rejected
// here, up front, rather than at dispatch time.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func (r *Registry) Register(dtype string, h Handler) error {
	if !signals.ValidType(dtype) {
		return fmt.Errorf("directive type %q must be a dotted string", dtype)
	}
	if h == nil {
		return fmt.Errorf("handler for %s is nil", dtype)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[dtype]; exists {
		return fmt.Errorf("handler for %s already registered", dtype)
	}
	r.handlers[dtype] = h
	return nil
}

// MustRegister panics on registration errors; for wiring at startup.
func (r *Registry) MustRegister(dtype string, h Handler) {
	if err := r.Register(dtype, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(dtype string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[dtype]
	return h, ok
}

// Types returns registered directive types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
