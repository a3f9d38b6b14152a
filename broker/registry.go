package broker

import (
	"fmt"
	"sync"
)

// Config carries the settings a transport needs to dial the bus. The
// exchange/queue topology is defined by the platform, not by this worker.
type Config struct {
	URL      string
	Exchange string
}

// Builder is the function signature for creating a transport from config.
// Each transport package provides a Builder and registers it by name.
type Builder func(cfg Config) (Transport, error)

// Registry maintains a mapping of transport names to their builders.
// Transport packages register themselves from an init function.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// DefaultRegistry is the global transport registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new transport registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds a transport builder to the registry. The name should match
// the Broker config value (e.g. "amqp", "nats").
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// New creates a transport using the registered builder for name.
func (r *Registry) New(name string, cfg Config) (Transport, error) {
	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown broker transport: %q (registered: %v)", name, r.Names())
	}
	return builder(cfg)
}

// Names returns the list of registered transport names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	return names
}

// Has returns true if a transport is registered with the given name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}

// Register adds a transport builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// NewTransport creates a transport using the default registry.
func NewTransport(name string, cfg Config) (Transport, error) {
	return DefaultRegistry.New(name, cfg)
}
