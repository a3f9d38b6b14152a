// Package broker owns the connection to the message bus: the connection
// state machine, the consume loop, publishing, and reconnection with
// jittered exponential backoff. The wire protocol itself is pluggable; see
// the amqp, nats, and channel subpackages.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	rterrors "github.com/mkerber/busbridge/internal/runtime/errors"
	"github.com/mkerber/busbridge/internal/runtime/logging"
)

// QueueSpec names the externally defined queue this worker consumes from.
// Topology (exchanges, bindings) is owned by the platform; RoutingKeys are
// only used by transports that bind on consume.
type QueueSpec struct {
	Queue       string
	RoutingKeys []string
}

// Session is one live connection to the bus. Sessions are produced by a
// Transport and replaced wholesale on reconnect.
type Session interface {
	Consume(ctx context.Context, spec QueueSpec) (<-chan *Message, error)
	Publish(ctx context.Context, routingKey string, payload []byte) error
	// NotifyClose reports an unexpected session loss. The channel is closed
	// (possibly after delivering one error) when the session dies.
	NotifyClose() <-chan error
	Close(ctx context.Context) error
}

// Transport dials sessions for one concrete wire protocol.
type Transport interface {
	Dial(ctx context.Context) (Session, error)
}

// Observer receives connection lifecycle callbacks. Implementations must be
// cheap; they run on the state-machine path.
type Observer interface {
	StateChanged(state State)
	Reconnected()
	MessageDone(elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) StateChanged(State)               {}
func (nopObserver) Reconnected()                     {}
func (nopObserver) MessageDone(time.Duration, error) {}

// Options configures a Connection.
type Options struct {
	Transport Transport
	Logger    logging.ServiceLogger
	Observer  Observer

	// ReconnectMin is the backoff floor between reconnection attempts;
	// ReconnectMax is the cap. Intervals are jittered and non-decreasing
	// in between.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// DrainGrace bounds how long Close waits for in-flight handlers.
	DrainGrace time.Duration
}

const (
	defaultReconnectMin = 500 * time.Millisecond
	defaultReconnectMax = 30 * time.Second
	defaultDrainGrace   = 10 * time.Second
)

// errConnectionClosed terminates the reconnect loop once Close has begun.
var errConnectionClosed = errors.New("broker: connection closed")

// Connection is the single owner of the bus connection and its state.
// State is written only here; HealthServer and DiscoveryClient read
// snapshots via State().
type Connection struct {
	transport Transport
	logger    logging.ServiceLogger
	observer  Observer
	tracer    trace.Tracer

	reconnectMin time.Duration
	reconnectMax time.Duration
	drainGrace   time.Duration

	state   atomic.Int32
	closing atomic.Bool

	mu      sync.Mutex
	session Session

	inflight sync.WaitGroup
}

// NewConnection builds a Connection around the given transport. It does not
// dial; call Connect.
func NewConnection(opts Options) (*Connection, error) {
	if opts.Transport == nil {
		return nil, rterrors.ErrTransportRequired
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = defaultReconnectMin
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = defaultReconnectMax
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = defaultDrainGrace
	}

	return &Connection{
		transport:    opts.Transport,
		logger:       opts.Logger,
		observer:     opts.Observer,
		tracer:       otel.Tracer("busbridge/broker"),
		reconnectMin: opts.ReconnectMin,
		reconnectMax: opts.ReconnectMax,
		drainGrace:   opts.DrainGrace,
	}, nil
}

// State returns the current connection state snapshot.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
	c.observer.StateChanged(s)
	c.logger.Debug("broker state changed", logging.LogFields{"state": s.String()})
}

// Connect attempts a single connection. On failure the state returns to
// disconnected and the caller owns retry scheduling.
func (c *Connection) Connect(ctx context.Context) error {
	if c.closing.Load() {
		return fmt.Errorf("broker connect: %w", errConnectionClosed)
	}

	c.setState(StateConnecting)
	sess, err := c.transport.Dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("broker connect: %w", err)
	}

	// Store and publish Connected under mu so a concurrent Close either
	// sees the new session or is seen here before the session is kept.
	c.mu.Lock()
	if c.closing.Load() {
		c.mu.Unlock()
		_ = sess.Close(ctx)
		c.setState(StateDisconnected)
		return fmt.Errorf("broker connect: %w", errConnectionClosed)
	}
	c.session = sess
	c.setState(StateConnected)
	c.mu.Unlock()
	return nil
}

// Publish sends a payload under routingKey. It fails fast with
// ErrNotConnected while the connection is in any other state.
func (c *Connection) Publish(ctx context.Context, routingKey string, payload []byte) error {
	if c.State() != StateConnected {
		return fmt.Errorf("publish %q: %w", routingKey, rterrors.ErrNotConnected)
	}
	sess := c.currentSession()
	if sess == nil {
		return fmt.Errorf("publish %q: %w", routingKey, rterrors.ErrNotConnected)
	}
	return sess.Publish(ctx, routingKey, payload)
}

// Consume delivers messages from spec.Queue to handler until ctx is
// cancelled or the connection is closed. On an unexpected disconnect it
// stops delivery, reconnects with backoff, and resumes consuming; it never
// gives up and never terminates the process.
func (c *Connection) Consume(ctx context.Context, spec QueueSpec, handler Handler) error {
	if spec.Queue == "" {
		return rterrors.ErrQueueRequired
	}
	if handler == nil {
		return rterrors.ErrHandlerRequired
	}

	for {
		sess := c.currentSession()
		if sess == nil || c.State() != StateConnected {
			if err := c.reconnect(ctx); err != nil {
				return nil
			}
			continue
		}

		deliveries, err := sess.Consume(ctx, spec)
		if err != nil {
			c.logger.Warn("consume setup failed", logging.LogFields{"queue": spec.Queue, "error": err.Error()})
			c.dropSession(ctx, sess)
			if err := c.reconnect(ctx); err != nil {
				return nil
			}
			continue
		}
		closed := sess.NotifyClose()

		c.logger.Info("consuming", logging.LogFields{"queue": spec.Queue})
		lost := c.receive(ctx, deliveries, closed, handler)
		if !lost {
			return nil
		}

		// Unexpected disconnect: drop the dead session and re-enter the
		// reconnect path.
		c.dropSession(ctx, sess)
		if err := c.reconnect(ctx); err != nil {
			return nil
		}
	}
}

// receive pumps deliveries until the context ends, the connection is being
// closed, or the session is lost. Returns true only for an unexpected loss.
func (c *Connection) receive(ctx context.Context, deliveries <-chan *Message, closed <-chan error, handler Handler) (lost bool) {
	for {
		select {
		case <-ctx.Done():
			return false
		case err, ok := <-closed:
			if c.closing.Load() {
				return false
			}
			if !ok || err == nil {
				err = rterrors.ErrBrokerDisconnected
			}
			c.logger.Warn("broker connection lost", logging.LogFields{"error": err.Error()})
			return true
		case msg, ok := <-deliveries:
			if !ok {
				return !c.closing.Load()
			}
			c.dispatch(ctx, msg, handler)
		}
	}
}

// reconnect blocks until a connection attempt succeeds, the context is
// cancelled, or Close begins. Backoff intervals are jittered, start at the
// configured floor, and never exceed the cap.
func (c *Connection) reconnect(ctx context.Context) error {
	c.setState(StateDisconnected)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.reconnectMin
	bo.MaxInterval = c.reconnectMax

	for attempt := 1; ; attempt++ {
		if c.closing.Load() {
			return errConnectionClosed
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.Connect(ctx)
		if err == nil {
			c.observer.Reconnected()
			c.logger.Info("broker reconnected", logging.LogFields{"attempt": attempt})
			return nil
		}
		if errors.Is(err, errConnectionClosed) {
			return errConnectionClosed
		}

		wait := bo.NextBackOff()
		c.logger.Warn("broker connect failed", logging.LogFields{
			"attempt":  attempt,
			"retry_in": wait.String(),
			"error":    err.Error(),
		})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Connection) dispatch(ctx context.Context, msg *Message, handler Handler) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()

		mctx, span := c.tracer.Start(ctx, "broker.consume",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.destination", msg.RoutingKey),
				attribute.String("messaging.message_id", msg.UUID),
			))
		defer span.End()

		start := time.Now()
		err := handler(mctx, msg)
		c.observer.MessageDone(time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.logger.Error("message handler failed", err, logging.LogFields{
				"message_id":  msg.UUID,
				"routing_key": msg.RoutingKey,
			})
		}
	}()
}

// Close transitions a connected connection through draining: in-flight
// handlers get up to the drain grace period, then the session is released.
// Safe to call when never connected and safe to call more than once.
func (c *Connection) Close(ctx context.Context) error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	if c.State() == StateConnected {
		c.setState(StateDraining)
	}

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	grace := time.NewTimer(c.drainGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		c.logger.Warn("drain grace expired with handlers still in flight", nil)
	case <-ctx.Done():
	}

	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.mu.Unlock()

	var err error
	if sess != nil {
		err = sess.Close(ctx)
	}
	c.setState(StateDisconnected)
	return err
}

func (c *Connection) currentSession() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Connection) dropSession(ctx context.Context, sess Session) {
	c.mu.Lock()
	if c.session == sess {
		c.session = nil
	}
	c.mu.Unlock()
	_ = sess.Close(ctx)
}
