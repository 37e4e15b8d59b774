// Package runner provides the named-callable registry used to submit work by
// name over the API and CLI. Binding a name plus an argument list yields a
// zero-argument callable; the binding happens at the submission boundary,
// before any worker is spawned.
package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mgrady/taskvisor/internal/task"
)

// Func is a named runner: a function invoked inside a worker with the
// submitted argument list.
type Func func(ctx context.Context, args []string) (any, error)

// Registry holds named runners. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Func
}

// NewRegistry creates an empty runner registry.
func NewRegistry() *Registry {
	return &Registry{
		runners: make(map[string]Func),
	}
}

// Register adds a runner under the given name, replacing any previous one.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[name] = fn
}

// Bind normalizes a runner name and argument list into a callable. Unknown
// or empty names fail fast with an InvalidArgumentError, before any worker
// exists.
func (r *Registry) Bind(name string, args []string) (task.Callable, error) {
	if name == "" {
		return nil, &task.InvalidArgumentError{Reason: "empty runner name"}
	}

	r.mu.RLock()
	fn, ok := r.runners[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &task.InvalidArgumentError{Reason: fmt.Sprintf("runner %q is not registered", name)}
	}

	bound := append([]string(nil), args...)
	return func(ctx context.Context) (any, error) {
		return fn(ctx, bound)
	}, nil
}

// List returns the registered runner names, sorted for a stable API response.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.runners))
	for name := range r.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
