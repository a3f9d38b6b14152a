package discovery

import (
	"fmt"
	"sort"
	"sync"
)

// Builder constructs a Registrar for one backend.
type Builder func(cfg Config) (Registrar, error)

// Registry maps backend names to builders. Backends register themselves
// from init, typically via a blank import in the main package.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// DefaultRegistry is the registry used by the package-level functions.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds a builder under name, replacing any previous entry.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// New builds a registrar for the named backend.
func (r *Registry) New(name string, cfg Config) (Registrar, error) {
	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("discovery: unknown registry backend %q (known: %v)", name, r.Names())
	}
	return builder(cfg)
}

// Names lists the registered backends, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a backend is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}

// Register adds a builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// NewRegistrar builds a registrar from the default registry.
func NewRegistrar(name string, cfg Config) (Registrar, error) {
	return DefaultRegistry.New(name, cfg)
}
