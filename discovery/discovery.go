// Package discovery lets a worker announce itself to a service registry so
// platform tooling can find it. Backends are pluggable; see the consul and
// etcd subpackages. The "none" backend disables registration entirely.
package discovery

import (
	"context"
	"time"
)

// Instance describes one running service instance as seen by the registry.
type Instance struct {
	// ID uniquely identifies this process; it changes across restarts.
	ID string
	// Name is the logical service name shared by all instances.
	Name string

	Address string
	Port    int
	Tags    []string

	// CheckURL is the readiness endpoint the registry probes, where the
	// backend supports HTTP checks.
	CheckURL      string
	CheckInterval time.Duration
	// DeregisterAfter is how long the instance may stay critical before
	// the registry reaps it.
	DeregisterAfter time.Duration

	Metadata map[string]string
}

// Registrar registers and deregisters instances against one backend.
type Registrar interface {
	Register(ctx context.Context, inst Instance) error
	// Deregister removes the instance. It is idempotent: removing an
	// instance the registry no longer knows is not an error.
	Deregister(ctx context.Context, instanceID string) error
	Close() error
}

// Config carries the backend connection settings.
type Config struct {
	// Address of the registry, e.g. "127.0.0.1:8500" for consul or a
	// comma-separated endpoint list for etcd.
	Address string
}

// NoopName is the registered name of the disabled backend.
const NoopName = "none"

func init() {
	Register(NoopName, func(Config) (Registrar, error) {
		return Noop{}, nil
	})
}

// Noop is the disabled backend: every call succeeds and nothing is
// announced anywhere.
type Noop struct{}

func (Noop) Register(context.Context, Instance) error { return nil }
func (Noop) Deregister(context.Context, string) error { return nil }
func (Noop) Close() error                             { return nil }
