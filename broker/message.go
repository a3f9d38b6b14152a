package broker

import (
	"context"

	"github.com/google/uuid"
)

// Acknowledger settles a delivery with the transport.
type Acknowledger interface {
	Ack() error
	Nack(requeue bool) error
}

// Message is a single delivery from the bus. The payload is opaque; the
// platform owns its schema.
type Message struct {
	UUID       string
	RoutingKey string
	Payload    []byte

	acker Acknowledger
}

// NewMessage builds a Message with a fresh UUID. Transports call this when
// converting their native deliveries.
func NewMessage(routingKey string, payload []byte, acker Acknowledger) *Message {
	return &Message{
		UUID:       uuid.NewString(),
		RoutingKey: routingKey,
		Payload:    payload,
		acker:      acker,
	}
}

// Ack settles the delivery. Acknowledgment is the handler's responsibility;
// a delivery that is never settled must not block further consumption.
func (m *Message) Ack() error {
	if m.acker == nil {
		return nil
	}
	return m.acker.Ack()
}

// Nack rejects the delivery, optionally requeueing it.
func (m *Message) Nack(requeue bool) error {
	if m.acker == nil {
		return nil
	}
	return m.acker.Nack(requeue)
}

// Handler processes one delivery. Handlers run concurrently with the
// consume loop and with each other.
type Handler func(ctx context.Context, msg *Message) error
