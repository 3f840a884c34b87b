package protocol

import (
	"context"
	"sort"
	"sync"
)

// HandlerFunc is the single shape every registered function conforms to.
// Async-capable handlers run directly on the dispatch path; blocking work
// registered through RegisterSync is wrapped in a pool dispatch first.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// handler tags a function with its dispatch mode, modeling the sync/async
// split explicitly instead of duck-typing.
type handler struct {
	fn   HandlerFunc
	sync bool
}

// Registry maps function names to registered handlers. Safe for concurrent
// registration and lookup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]handler)}
}

// RegisterAsync registers a non-blocking handler invoked directly during
// dispatch. It replaces any existing handler with the same name.
func (r *Registry) RegisterAsync(name string, fn HandlerFunc) {
	r.mu.Lock()
	r.handlers[name] = handler{fn: fn}
	r.mu.Unlock()
}

// RegisterSync registers a blocking handler. The dispatcher offloads it to
// the bounded worker pool so it cannot stall concurrent dispatch.
func (r *Registry) RegisterSync(name string, fn HandlerFunc) {
	r.mu.Lock()
	r.handlers[name] = handler{fn: fn, sync: true}
	r.mu.Unlock()
}

// Unregister removes a handler. Unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.handlers, name)
	r.mu.Unlock()
}

func (r *Registry) lookup(name string) (handler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	return h, ok
}

// Names returns all registered function names, sorted. Used for discovery.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
