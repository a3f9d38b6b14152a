// Package etcd registers instances in etcd under a leased key. Liveness is
// expressed through the lease: the registrar keeps it alive while the worker
// runs, and the key disappears on its own once the worker stops renewing.
package etcd

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/mkerber/busbridge/discovery"
	rterrors "github.com/mkerber/busbridge/internal/runtime/errors"
	"github.com/mkerber/busbridge/internal/runtime/jsoncodec"
	"github.com/mkerber/busbridge/internal/runtime/logging"
)

// BackendName is the name used to register this backend.
const BackendName = "etcd"

// ClientFactory allows overriding client creation for testing.
var ClientFactory = func(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

const (
	keyPrefix       = "/services"
	defaultLeaseTTL = 30 * time.Second
)

// leaseAPI is the slice of the etcd client the registrar uses. Satisfied by
// *clientv3.Client; tests substitute a fake.
type leaseAPI interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)
	Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
	Close() error
}

func init() {
	discovery.Register(BackendName, New)
}

// New creates an etcd-backed registrar. The config address may list several
// endpoints separated by commas.
func New(cfg discovery.Config) (discovery.Registrar, error) {
	endpoints := strings.Split(cfg.Address, ",")
	for i := range endpoints {
		endpoints[i] = strings.TrimSpace(endpoints[i])
	}

	client, err := ClientFactory(endpoints)
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}

	return &Registrar{
		client: client,
		logger: logging.NewNopLogger(),
		leases: make(map[string]*registration),
	}, nil
}

// WithLogger replaces the registrar's logger. Useful because backends are
// built from a registry and cannot take a logger through the builder.
func (r *Registrar) WithLogger(logger logging.ServiceLogger) *Registrar {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// Registrar keeps one leased key per registered instance.
type Registrar struct {
	client leaseAPI
	logger logging.ServiceLogger

	mu     sync.Mutex
	leases map[string]*registration
}

type registration struct {
	leaseID clientv3.LeaseID
	key     string
	cancel  context.CancelFunc
}

// instanceRecord is the JSON document stored under the service key.
type instanceRecord struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Address  string            `json:"address"`
	Port     int               `json:"port"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Register grants a lease, writes the instance record under it, and starts
// a keepalive goroutine that renews the lease until Deregister or Close.
func (r *Registrar) Register(ctx context.Context, inst discovery.Instance) error {
	ttl := leaseTTL(inst)

	lease, err := r.client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("%w: etcd lease grant: %v", rterrors.ErrRegistrationFailed, err)
	}

	payload, err := jsoncodec.Marshal(instanceRecord{
		ID:       inst.ID,
		Name:     inst.Name,
		Address:  inst.Address,
		Port:     inst.Port,
		Tags:     inst.Tags,
		Metadata: inst.Metadata,
	})
	if err != nil {
		return fmt.Errorf("%w: encode instance: %v", rterrors.ErrRegistrationFailed, err)
	}

	key := instanceKey(inst.Name, inst.ID)
	if _, err := r.client.Put(ctx, key, string(payload), clientv3.WithLease(lease.ID)); err != nil {
		_, _ = r.client.Revoke(ctx, lease.ID)
		return fmt.Errorf("%w: etcd put %s: %v", rterrors.ErrRegistrationFailed, key, err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	keepalive, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		_, _ = r.client.Revoke(ctx, lease.ID)
		return fmt.Errorf("%w: etcd keepalive: %v", rterrors.ErrRegistrationFailed, err)
	}

	r.mu.Lock()
	r.leases[inst.ID] = &registration{leaseID: lease.ID, key: key, cancel: cancel}
	r.mu.Unlock()

	go r.drainKeepalive(inst.ID, keepalive)
	return nil
}

// drainKeepalive consumes keepalive responses. When the channel closes while
// the registration is still wanted, the lease is gone and the instance has
// effectively dropped out of the registry; the broker-style reconnect is
// left to the next Register call by the runtime.
func (r *Registrar) drainKeepalive(instanceID string, ch <-chan *clientv3.LeaseKeepAliveResponse) {
	for range ch {
	}
	r.mu.Lock()
	_, wanted := r.leases[instanceID]
	r.mu.Unlock()
	if wanted {
		r.logger.Warn("etcd lease keepalive ended", logging.LogFields{"instance_id": instanceID})
	}
}

// Deregister stops renewing the lease, deletes the key, and revokes the
// lease. Unknown instances are already gone, which is fine.
func (r *Registrar) Deregister(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	reg, ok := r.leases[instanceID]
	delete(r.leases, instanceID)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	reg.cancel()
	if _, err := r.client.Delete(ctx, reg.key); err != nil {
		return fmt.Errorf("etcd delete %s: %w", reg.key, err)
	}
	_, _ = r.client.Revoke(ctx, reg.leaseID)
	return nil
}

// Close cancels all keepalives and closes the client connection.
func (r *Registrar) Close() error {
	r.mu.Lock()
	for id, reg := range r.leases {
		reg.cancel()
		delete(r.leases, id)
	}
	r.mu.Unlock()
	return r.client.Close()
}

func instanceKey(name, id string) string {
	return path.Join(keyPrefix, name, id)
}

// leaseTTL derives the lease length from the check interval: three missed
// renewals take the instance out of the registry.
func leaseTTL(inst discovery.Instance) time.Duration {
	if inst.CheckInterval > 0 {
		return 3 * inst.CheckInterval
	}
	return defaultLeaseTTL
}
