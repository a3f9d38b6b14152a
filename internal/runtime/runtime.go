// Package runtime assembles the worker: it resolves the network identity,
// connects to the broker, serves health endpoints, registers the instance
// with the service registry, and runs the consume loop until shutdown.
package runtime

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/mkerber/busbridge/broker"
	"github.com/mkerber/busbridge/discovery"
	"github.com/mkerber/busbridge/internal/runtime/config"
	rterrors "github.com/mkerber/busbridge/internal/runtime/errors"
	"github.com/mkerber/busbridge/internal/runtime/health"
	"github.com/mkerber/busbridge/internal/runtime/ids"
	"github.com/mkerber/busbridge/internal/runtime/logging"
	"github.com/mkerber/busbridge/internal/runtime/metrics"
	"github.com/mkerber/busbridge/internal/runtime/netident"
)

// Dependencies are optional overrides for the pieces the runtime would
// otherwise build from configuration. Tests inject an in-memory transport
// and a fake registrar here.
type Dependencies struct {
	Transport broker.Transport
	Registrar discovery.Registrar
}

// Runtime is one bus-connected worker instance.
type Runtime struct {
	cfg     *config.Config
	logger  logging.ServiceLogger
	handler broker.Handler
	deps    Dependencies

	metrics *metrics.Metrics

	mu         sync.Mutex
	conn       *broker.Connection
	health     *health.Server
	registrar  discovery.Registrar
	instanceID string

	shutdownOnce sync.Once
	shutdownErr  error
}

// New validates the inputs and builds a runtime. Nothing is dialed yet;
// call Run.
func New(cfg *config.Config, logger logging.ServiceLogger, handler broker.Handler, deps Dependencies) (*Runtime, error) {
	if cfg == nil {
		return nil, rterrors.ErrConfigRequired
	}
	if logger == nil {
		return nil, rterrors.ErrLoggerRequired
	}
	if handler == nil {
		return nil, rterrors.ErrHandlerRequired
	}
	if err := cfg.Validate(); err != nil {
		return nil, rterrors.NewConfigValidationError(err)
	}

	return &Runtime{
		cfg:     cfg,
		logger:  logger.With(logging.LogFields{"service": cfg.ServiceName}),
		handler: handler,
		deps:    deps,
		metrics: metrics.New(cfg.ServiceName),
	}, nil
}

// InstanceID returns the identifier registered with the service registry.
// Empty until Run has progressed past registration setup.
func (r *Runtime) InstanceID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instanceID
}

// BrokerState reports the current broker connection state.
func (r *Runtime) BrokerState() broker.State {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return broker.StateDisconnected
	}
	return conn.State()
}

// HealthAddr returns the bound health listen address. Empty before Run.
func (r *Runtime) HealthAddr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.health == nil {
		return ""
	}
	return r.health.Addr()
}

// Publish sends a payload on the bus under routingKey.
func (r *Runtime) Publish(ctx context.Context, routingKey string, payload []byte) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("publish %q: %w", routingKey, rterrors.ErrNotConnected)
	}
	return conn.Publish(ctx, routingKey, payload)
}

// Run brings the worker up and blocks until ctx is cancelled or a fatal
// startup error occurs. Startup order matters: the address must resolve and
// the broker must connect before anything is announced, and the health
// server must be serving before the registry is told where to probe it.
func (r *Runtime) Run(ctx context.Context) error {
	address, err := r.resolveAddress()
	if err != nil {
		return err
	}
	r.logger.Info("network identity resolved", logging.LogFields{"address": address})

	conn, err := r.buildConnection()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	if err := r.startupConnect(ctx, conn); err != nil {
		return err
	}

	healthSrv, err := r.startHealth(address, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return err
	}
	r.mu.Lock()
	r.health = healthSrv
	r.mu.Unlock()

	if err := r.register(ctx, address, healthSrv); err != nil {
		// Registration failure is survivable: the worker still consumes
		// and serves health checks, it is just not discoverable.
		r.logger.Error("service registration failed", err, nil)
	}

	g, gctx := errgroup.WithContext(ctx)
	consumeDone := make(chan struct{})
	g.Go(func() error {
		defer close(consumeDone)
		return conn.Consume(gctx, broker.QueueSpec{
			Queue:       r.cfg.ConsumeQueue,
			RoutingKeys: r.cfg.RoutingKeys,
		}, r.handler)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-consumeDone:
		}
		grace := r.cfg.ShutdownGrace
		if grace <= 0 {
			grace = config.DefaultShutdownGrace
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		return r.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// Shutdown tears the worker down in the reverse of startup order:
// deregister first so no new traffic is routed here, then drain the broker
// connection, then stop the health server. Safe to call more than once.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.logger.Info("shutting down", nil)

		r.mu.Lock()
		conn := r.conn
		healthSrv := r.health
		registrar := r.registrar
		instanceID := r.instanceID
		r.mu.Unlock()

		if registrar != nil && instanceID != "" {
			if err := registrar.Deregister(ctx, instanceID); err != nil {
				r.logger.Error("deregister failed", err, logging.LogFields{"instance_id": instanceID})
			}
		}
		if conn != nil {
			if err := conn.Close(ctx); err != nil {
				r.logger.Error("broker close failed", err, nil)
				r.shutdownErr = err
			}
		}
		if healthSrv != nil {
			if err := healthSrv.Stop(ctx); err != nil {
				r.logger.Error("health server stop failed", err, nil)
			}
		}
		if registrar != nil {
			if err := registrar.Close(); err != nil {
				r.logger.Error("registrar close failed", err, nil)
			}
		}
	})
	return r.shutdownErr
}

// resolveAddress picks the address this worker advertises. A configured
// bind address wins; otherwise the first usable interface address is used.
// No usable address is fatal: a worker nobody can reach must not register.
func (r *Runtime) resolveAddress() (string, error) {
	if r.cfg.BindAddress != "" {
		return r.cfg.BindAddress, nil
	}
	addr, err := netident.Resolve()
	if err != nil {
		return "", err
	}
	return addr, nil
}

func (r *Runtime) buildConnection() (*broker.Connection, error) {
	transport := r.deps.Transport
	if transport == nil {
		var err error
		transport, err = broker.NewTransport(r.cfg.Broker, broker.Config{
			URL:      r.cfg.BrokerURL,
			Exchange: r.cfg.BrokerExchange,
		})
		if err != nil {
			return nil, err
		}
	}

	return broker.NewConnection(broker.Options{
		Transport:    transport,
		Logger:       r.logger,
		Observer:     r.metrics,
		ReconnectMin: r.cfg.ReconnectMinInterval,
		ReconnectMax: r.cfg.ReconnectMaxInterval,
		DrainGrace:   r.cfg.DrainGrace,
	})
}

// startupConnect makes the initial connection with a bounded number of
// attempts. Unlike the reconnect loop, startup failure is fatal: a worker
// that never reached the bus has nothing to offer and should exit so the
// supervisor can act.
func (r *Runtime) startupConnect(ctx context.Context, conn *broker.Connection) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.ReconnectMinInterval
	bo.MaxInterval = r.cfg.ReconnectMaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, conn.Connect(ctx)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(r.cfg.StartupConnectAttempts)))
	if err != nil {
		return fmt.Errorf("startup connect after %d attempts: %w", r.cfg.StartupConnectAttempts, err)
	}
	return nil
}

func (r *Runtime) startHealth(address string, conn *broker.Connection) (*health.Server, error) {
	srv := health.New(health.Options{
		Addr:        net.JoinHostPort(address, strconv.Itoa(r.cfg.HealthPort)),
		BrokerState: conn.State,
		Logger:      r.logger,
		Metrics:     r.metrics.Handler(),
	})
	if err := srv.Start(); err != nil {
		return nil, err
	}
	return srv, nil
}

// register announces the instance to the configured registry backend. The
// check URL points at the readiness endpoint on the port the health server
// actually bound, which may differ from the configured port when it was 0.
func (r *Runtime) register(ctx context.Context, address string, healthSrv *health.Server) error {
	registrar := r.deps.Registrar
	if registrar == nil {
		var err error
		registrar, err = discovery.NewRegistrar(r.cfg.Registry, discovery.Config{
			Address: r.cfg.RegistryAddress,
		})
		if err != nil {
			return err
		}
	}

	instanceID := ids.NewInstanceID(r.cfg.ServiceName)
	r.mu.Lock()
	r.registrar = registrar
	r.instanceID = instanceID
	r.mu.Unlock()

	_, portStr, err := net.SplitHostPort(healthSrv.Addr())
	if err != nil {
		return fmt.Errorf("health addr %q: %w", healthSrv.Addr(), err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("health port %q: %w", portStr, err)
	}

	inst := discovery.Instance{
		ID:              instanceID,
		Name:            r.cfg.ServiceName,
		Address:         address,
		Port:            port,
		Tags:            r.cfg.Tags,
		CheckURL:        fmt.Sprintf("http://%s/health/ready", net.JoinHostPort(address, portStr)),
		CheckInterval:   r.cfg.HealthCheckInterval,
		DeregisterAfter: r.cfg.DeregisterAfter,
		Metadata: map[string]string{
			"broker": r.cfg.Broker,
			"queue":  r.cfg.ConsumeQueue,
		},
	}

	err = registrar.Register(ctx, inst)
	r.metrics.RegistrationAttempt(err)
	if err != nil {
		return err
	}

	r.logger.Info("registered with service registry", logging.LogFields{
		"instance_id": instanceID,
		"registry":    r.cfg.Registry,
	})
	return nil
}
