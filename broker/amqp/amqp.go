// Package amqp provides the AMQP 0-9-1 transport for the broker.
package amqp

import (
	"context"
	"fmt"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/mkerber/busbridge/broker"
)

// TransportName is the name used to register this transport.
const TransportName = "amqp"

// DialFactory allows overriding the connection creation for testing.
var DialFactory = func(url string) (*amqp091.Connection, error) {
	return amqp091.Dial(url)
}

func init() {
	broker.Register(TransportName, New)
}

// New creates an AMQP transport for the given config.
func New(cfg broker.Config) (broker.Transport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp: broker URL is required")
	}
	return &Transport{url: cfg.URL, exchange: cfg.Exchange}, nil
}

// Transport dials AMQP sessions. Each session owns one connection and one
// channel; reconnection replaces the whole session.
type Transport struct {
	url      string
	exchange string
}

// Dial implements broker.Transport.
func (t *Transport) Dial(ctx context.Context) (broker.Session, error) {
	conn, err := DialFactory(t.url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	closed := make(chan error, 1)
	notify := conn.NotifyClose(make(chan *amqp091.Error, 1))
	go func() {
		// NotifyClose delivers nil-closes on graceful shutdown and an
		// *amqp091.Error on faults; both end the session.
		if amqpErr, ok := <-notify; ok && amqpErr != nil {
			closed <- amqpErr
		}
		close(closed)
	}()

	return &session{
		conn:     conn,
		ch:       ch,
		exchange: t.exchange,
		closed:   closed,
	}, nil
}

type session struct {
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	exchange string
	closed   chan error
}

// Consume implements broker.Session. The queue and its bindings are owned
// by the platform; when routing keys are given the queue is (re)bound to
// the configured exchange, which is idempotent on the broker side.
func (s *session) Consume(ctx context.Context, spec broker.QueueSpec) (<-chan *broker.Message, error) {
	if s.exchange != "" {
		for _, key := range spec.RoutingKeys {
			if err := s.ch.QueueBind(spec.Queue, key, s.exchange, false, nil); err != nil {
				return nil, fmt.Errorf("amqp bind %s/%s: %w", spec.Queue, key, err)
			}
		}
	}

	deliveries, err := s.ch.Consume(spec.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("amqp consume %s: %w", spec.Queue, err)
	}

	out := make(chan *broker.Message)
	go func() {
		defer close(out)
		for d := range deliveries {
			msg := broker.NewMessage(d.RoutingKey, d.Body, &deliveryAck{d: d})
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Publish implements broker.Session.
func (s *session) Publish(ctx context.Context, routingKey string, payload []byte) error {
	return s.ch.PublishWithContext(ctx, s.exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/octet-stream",
		Body:         payload,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	})
}

// NotifyClose implements broker.Session.
func (s *session) NotifyClose() <-chan error {
	return s.closed
}

// Close implements broker.Session.
func (s *session) Close(ctx context.Context) error {
	if s.conn.IsClosed() {
		return nil
	}
	return s.conn.Close()
}

type deliveryAck struct {
	d amqp091.Delivery
}

func (a *deliveryAck) Ack() error {
	return a.d.Ack(false)
}

func (a *deliveryAck) Nack(requeue bool) error {
	return a.d.Nack(false, requeue)
}
