// Package nats provides the NATS transport for the broker. Subjects map
// onto routing keys; the consume queue name becomes the NATS queue group so
// multiple workers share the subscription.
package nats

import (
	"context"
	"fmt"

	natsgo "github.com/nats-io/nats.go"

	"github.com/mkerber/busbridge/broker"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// ConnectFactory allows overriding the connection creation for testing.
var ConnectFactory = func(url string, opts ...natsgo.Option) (*natsgo.Conn, error) {
	return natsgo.Connect(url, opts...)
}

func init() {
	broker.Register(TransportName, New)
}

// New creates a NATS transport for the given config.
func New(cfg broker.Config) (broker.Transport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats: broker URL is required")
	}
	return &Transport{url: cfg.URL}, nil
}

// Transport dials NATS sessions.
type Transport struct {
	url string
}

// Dial implements broker.Transport. The client library's own reconnection
// is disabled: session replacement is owned by the broker state machine.
func (t *Transport) Dial(ctx context.Context) (broker.Session, error) {
	closed := make(chan error, 1)

	nc, err := ConnectFactory(t.url,
		natsgo.RetryOnFailedConnect(false),
		natsgo.MaxReconnects(0),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				select {
				case closed <- err:
				default:
				}
			}
		}),
		natsgo.ClosedHandler(func(_ *natsgo.Conn) {
			close(closed)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &session{nc: nc, closed: closed}, nil
}

type session struct {
	nc     *natsgo.Conn
	closed chan error
}

// Consume implements broker.Session. Each routing key becomes a queue-group
// subscription; without routing keys the queue name doubles as the subject.
func (s *session) Consume(ctx context.Context, spec broker.QueueSpec) (<-chan *broker.Message, error) {
	subjects := spec.RoutingKeys
	if len(subjects) == 0 {
		subjects = []string{spec.Queue}
	}

	out := make(chan *broker.Message, 64)
	subs := make([]*natsgo.Subscription, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := s.nc.QueueSubscribe(subject, spec.Queue, func(m *natsgo.Msg) {
			msg := broker.NewMessage(m.Subject, m.Data, nopAck{})
			select {
			case out <- msg:
			case <-ctx.Done():
			}
		})
		if err != nil {
			for _, done := range subs {
				_ = done.Unsubscribe()
			}
			return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}

	go func() {
		<-ctx.Done()
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	return out, nil
}

// Publish implements broker.Session.
func (s *session) Publish(ctx context.Context, routingKey string, payload []byte) error {
	if err := s.nc.Publish(routingKey, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", routingKey, err)
	}
	return nil
}

// NotifyClose implements broker.Session.
func (s *session) NotifyClose() <-chan error {
	return s.closed
}

// Close implements broker.Session.
func (s *session) Close(ctx context.Context) error {
	if s.nc.IsClosed() {
		return nil
	}
	return s.nc.Drain()
}

// nopAck satisfies broker.Acknowledger for core NATS, which has no
// per-message acknowledgment.
type nopAck struct{}

func (nopAck) Ack() error      { return nil }
func (nopAck) Nack(bool) error { return nil }
