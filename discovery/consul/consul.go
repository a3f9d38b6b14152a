// Package consul registers instances with a Consul agent. The agent probes
// the instance's readiness endpoint over HTTP and reaps instances that stay
// critical past the deregister window.
package consul

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/consul/api"

	"github.com/mkerber/busbridge/discovery"
	rterrors "github.com/mkerber/busbridge/internal/runtime/errors"
)

// BackendName is the name used to register this backend.
const BackendName = "consul"

// ClientFactory allows overriding client creation for testing.
var ClientFactory = func(address string) (*api.Client, error) {
	cfg := api.DefaultConfig()
	if address != "" {
		cfg.Address = address
	}
	return api.NewClient(cfg)
}

const (
	registerTries   = 3
	registerBackoff = 250 * time.Millisecond
)

func init() {
	discovery.Register(BackendName, New)
}

// New creates a consul-backed registrar.
func New(cfg discovery.Config) (discovery.Registrar, error) {
	client, err := ClientFactory(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &Registrar{client: client}, nil
}

// Registrar talks to one Consul agent.
type Registrar struct {
	client *api.Client
}

// Register announces the instance. The agent call is retried a few times
// with backoff; persistent failure is reported, not fatal, since the worker
// is useful without discovery.
func (r *Registrar) Register(ctx context.Context, inst discovery.Instance) error {
	reg := buildRegistration(inst)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = registerBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.client.Agent().ServiceRegister(reg)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(registerTries))
	if err != nil {
		return fmt.Errorf("%w: consul register %s: %v", rterrors.ErrRegistrationFailed, inst.ID, err)
	}
	return nil
}

// Deregister removes the instance from the agent. An instance the agent no
// longer knows about is treated as already deregistered.
func (r *Registrar) Deregister(ctx context.Context, instanceID string) error {
	err := r.client.Agent().ServiceDeregister(instanceID)
	if err != nil && !isUnknownService(err) {
		return fmt.Errorf("consul deregister %s: %w", instanceID, err)
	}
	return nil
}

// Close implements discovery.Registrar. The consul client holds no
// long-lived resources.
func (r *Registrar) Close() error {
	return nil
}

func buildRegistration(inst discovery.Instance) *api.AgentServiceRegistration {
	reg := &api.AgentServiceRegistration{
		ID:      inst.ID,
		Name:    inst.Name,
		Address: inst.Address,
		Port:    inst.Port,
		Tags:    inst.Tags,
		Meta:    inst.Metadata,
	}
	if inst.CheckURL != "" {
		reg.Check = &api.AgentServiceCheck{
			HTTP:                           inst.CheckURL,
			Interval:                       inst.CheckInterval.String(),
			Timeout:                        (5 * time.Second).String(),
			DeregisterCriticalServiceAfter: inst.DeregisterAfter.String(),
		}
	}
	return reg
}

func isUnknownService(err error) bool {
	return strings.Contains(err.Error(), "Unknown service")
}
