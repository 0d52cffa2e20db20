package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler executes the business logic of a task. args is the opaque payload
// given at submission; the returned value is stored as the task result.
// Handlers must honor ctx cancellation.
type Handler interface {
	Handle(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return f(ctx, args)
}

// Handlers is the closed registry mapping handler keys to implementations.
// It accepts registrations until the engine starts running.
type Handlers struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	sealed   bool
}

func newHandlers() *Handlers {
	return &Handlers{handlers: make(map[string]Handler)}
}

// Register binds key to h. Fails once the engine is running.
func (r *Handlers) Register(key string, h Handler) error {
	if key == "" || h == nil {
		return fmt.Errorf("register handler %q: empty key or nil handler", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("register handler %q: %w", key, ErrHandlersSealed)
	}
	r.handlers[key] = h
	return nil
}

// Lookup returns the handler bound to key.
func (r *Handlers) Lookup(key string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, key)
	}
	return h, nil
}

// Keys lists registered handler keys in sorted order.
func (r *Handlers) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Handlers) seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}
