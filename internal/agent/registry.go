package agent

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/pengelbrecht/patchloop/internal/stream"
)

// Backend names.
const (
	ClaudeCode = "claude-code"
	Codex      = "codex"
)

// ErrUnknownBackend is returned for a backend name with no registered factory.
var ErrUnknownBackend = errors.New("unknown agent backend")

// Options configures a backend instance.
type Options struct {
	Model           string
	SkipPermissions bool

	// Runner streams the agent process. Nil uses a runner that discards
	// progress output.
	Runner *stream.Runner
}

// Factory creates a backend from options.
type Factory func(runner *stream.Runner, opts Options) Backend

// Registry maps backend names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the built-in backends.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(ClaudeCode, func(runner *stream.Runner, opts Options) Backend {
		return NewClaudeAgent(runner, opts)
	})
	r.Register(Codex, func(runner *stream.Runner, opts Options) Backend {
		return NewCodexAgent(runner, opts)
	})
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New creates the backend registered under name.
func (r *Registry) New(name string, opts Options) (Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownBackend, name, r.Names())
	}

	runner := opts.Runner
	if runner == nil {
		runner = stream.NewRunner(nil, nil)
	}
	return f(runner, opts), nil
}

// Names returns the registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}
