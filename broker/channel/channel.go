// Package channel provides an in-memory transport for the broker. It is
// useful for testing and local development: tests can publish into the bus
// directly and force session loss to exercise the reconnect path.
package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mkerber/busbridge/broker"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

func init() {
	broker.Register(TransportName, func(cfg broker.Config) (broker.Transport, error) {
		return NewTransport(), nil
	})
}

// Transport is an in-memory bus shared by every session it dials. The zero
// value is not usable; call NewTransport.
type Transport struct {
	mu        sync.Mutex
	sessions  map[*Session]struct{}
	failDials int
	dials     int
	dialTimes []time.Time
}

// NewTransport creates an empty in-memory bus.
func NewTransport() *Transport {
	return &Transport{sessions: make(map[*Session]struct{})}
}

// FailDials makes the next n Dial calls fail. Used by tests to exercise
// connect retries and backoff.
func (t *Transport) FailDials(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failDials = n
}

// Dials reports how many Dial calls the transport has seen.
func (t *Transport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// DialTimes reports when each Dial call happened, refused dials included.
// Used by tests to verify reconnect pacing.
func (t *Transport) DialTimes() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Time(nil), t.dialTimes...)
}

// Dial implements broker.Transport.
func (t *Transport) Dial(ctx context.Context) (broker.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dials++
	t.dialTimes = append(t.dialTimes, time.Now())
	if t.failDials > 0 {
		t.failDials--
		return nil, errors.New("channel: dial refused")
	}

	s := &Session{
		transport: t,
		subs:      make(map[string]chan *broker.Message),
		closed:    make(chan error, 1),
	}
	t.sessions[s] = struct{}{}
	return s, nil
}

// Publish delivers a payload to every live session subscribed to the
// routing key. It lets tests inject traffic without a session of their own.
func (t *Transport) Publish(routingKey string, payload []byte) {
	t.mu.Lock()
	sessions := make([]*Session, 0, len(t.sessions))
	for s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()

	for _, s := range sessions {
		s.deliver(routingKey, payload)
	}
}

// DropSessions simulates a broker-side connection loss: every live session
// observes NotifyClose with the given error.
func (t *Transport) DropSessions(err error) {
	t.mu.Lock()
	sessions := make([]*Session, 0, len(t.sessions))
	for s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.sessions = make(map[*Session]struct{})
	t.mu.Unlock()

	for _, s := range sessions {
		s.drop(err)
	}
}

func (t *Transport) remove(s *Session) {
	t.mu.Lock()
	delete(t.sessions, s)
	t.mu.Unlock()
}

// Session is one in-memory connection.
type Session struct {
	transport *Transport

	mu     sync.Mutex
	subs   map[string]chan *broker.Message
	closed chan error
	done   bool
}

// Consume implements broker.Session. Messages published under the queue
// name or any of the routing keys are delivered.
func (s *Session) Consume(ctx context.Context, spec broker.QueueSpec) (<-chan *broker.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil, errors.New("channel: session closed")
	}

	out := make(chan *broker.Message, 16)
	s.subs[spec.Queue] = out
	for _, key := range spec.RoutingKeys {
		s.subs[key] = out
	}
	return out, nil
}

// Publish implements broker.Session by fanning out through the transport.
func (s *Session) Publish(ctx context.Context, routingKey string, payload []byte) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done {
		return errors.New("channel: session closed")
	}
	s.transport.Publish(routingKey, payload)
	return nil
}

// NotifyClose implements broker.Session.
func (s *Session) NotifyClose() <-chan error {
	return s.closed
}

// Close implements broker.Session.
func (s *Session) Close(ctx context.Context) error {
	s.transport.remove(s)
	s.shutdown(nil)
	return nil
}

func (s *Session) deliver(routingKey string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	out, ok := s.subs[routingKey]
	if !ok {
		return
	}
	msg := broker.NewMessage(routingKey, payload, &Ack{})
	select {
	case out <- msg:
	default:
		// Slow consumer; in-memory bus drops rather than blocks.
	}
}

func (s *Session) drop(err error) {
	if err == nil {
		err = errors.New("channel: session dropped")
	}
	s.shutdown(err)
}

func (s *Session) shutdown(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	seen := make(map[chan *broker.Message]struct{})
	for _, ch := range s.subs {
		if _, dup := seen[ch]; dup {
			continue
		}
		seen[ch] = struct{}{}
		close(ch)
	}
	s.subs = make(map[string]chan *broker.Message)
	if err != nil {
		s.closed <- err
	}
	close(s.closed)
}

// Ack records settlement so tests can assert on it.
type Ack struct {
	mu      sync.Mutex
	acked   bool
	nacked  bool
	requeue bool
}

func (a *Ack) Ack() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = true
	return nil
}

func (a *Ack) Nack(requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = true
	a.requeue = requeue
	return nil
}

// Acked reports whether Ack was called.
func (a *Ack) Acked() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acked
}

// Nacked reports whether Nack was called.
func (a *Ack) Nacked() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nacked
}
