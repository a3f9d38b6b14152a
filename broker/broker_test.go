package broker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkerber/busbridge/broker"
	"github.com/mkerber/busbridge/broker/channel"
	rterrors "github.com/mkerber/busbridge/internal/runtime/errors"
)

func newConnection(t *testing.T, tr broker.Transport, opts ...func(*broker.Options)) *broker.Connection {
	t.Helper()
	o := broker.Options{
		Transport:    tr,
		ReconnectMin: 5 * time.Millisecond,
		ReconnectMax: 20 * time.Millisecond,
		DrainGrace:   200 * time.Millisecond,
	}
	for _, fn := range opts {
		fn(&o)
	}
	conn, err := broker.NewConnection(o)
	require.NoError(t, err)
	return conn
}

func waitForState(t *testing.T, conn *broker.Connection, want broker.State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if conn.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for state %s, still %s", want, conn.State())
		case <-time.After(time.Millisecond):
		}
	}
}

func TestNewConnectionRequiresTransport(t *testing.T) {
	_, err := broker.NewConnection(broker.Options{})
	assert.ErrorIs(t, err, rterrors.ErrTransportRequired)
}

func TestConnectTransitionsToConnected(t *testing.T) {
	tr := channel.NewTransport()
	conn := newConnection(t, tr)

	assert.Equal(t, broker.StateDisconnected, conn.State())
	require.NoError(t, conn.Connect(context.Background()))
	assert.Equal(t, broker.StateConnected, conn.State())

	require.NoError(t, conn.Close(context.Background()))
	assert.Equal(t, broker.StateDisconnected, conn.State())
}

func TestConnectFailureStaysDisconnected(t *testing.T) {
	tr := channel.NewTransport()
	tr.FailDials(1)
	conn := newConnection(t, tr)

	err := conn.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, broker.StateDisconnected, conn.State())
}

func TestPublishWhenNotConnected(t *testing.T) {
	conn := newConnection(t, channel.NewTransport())

	err := conn.Publish(context.Background(), "calls.started", []byte("x"))
	assert.ErrorIs(t, err, rterrors.ErrNotConnected)
}

func TestPublishRoundTrip(t *testing.T) {
	tr := channel.NewTransport()
	conn := newConnection(t, tr)
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *broker.Message, 1)
	go func() {
		_ = conn.Consume(ctx, broker.QueueSpec{Queue: "events"}, func(_ context.Context, msg *broker.Message) error {
			received <- msg
			return msg.Ack()
		})
	}()

	// Give the consume loop a moment to subscribe.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, conn.Publish(ctx, "events", []byte("hello")))

	select {
	case msg := <-received:
		assert.Equal(t, "events", msg.RoutingKey)
		assert.Equal(t, []byte("hello"), msg.Payload)
		assert.NotEmpty(t, msg.UUID)
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestConsumeReconnectsAfterSessionLoss(t *testing.T) {
	tr := channel.NewTransport()
	conn := newConnection(t, tr)
	require.NoError(t, conn.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int64
	go func() {
		_ = conn.Consume(ctx, broker.QueueSpec{Queue: "events"}, func(_ context.Context, msg *broker.Message) error {
			handled.Add(1)
			return msg.Ack()
		})
	}()
	time.Sleep(20 * time.Millisecond)

	// Kill the broker side; the connection must notice and reconnect on
	// its own.
	tr.DropSessions(errors.New("broker went away"))
	waitForState(t, conn, broker.StateConnected)

	// The resubscribed session receives new traffic.
	deadline := time.After(2 * time.Second)
	for handled.Load() == 0 {
		tr.Publish("events", []byte("after-reconnect"))
		select {
		case <-deadline:
			t.Fatal("no message handled after reconnect")
		case <-time.After(10 * time.Millisecond):
		}
	}

	require.NoError(t, conn.Close(context.Background()))
}

func TestConsumeSurvivesRepeatedDisconnects(t *testing.T) {
	tr := channel.NewTransport()
	conn := newConnection(t, tr)
	require.NoError(t, conn.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = conn.Consume(ctx, broker.QueueSpec{Queue: "events"}, func(_ context.Context, msg *broker.Message) error {
			return msg.Ack()
		})
	}()

	for i := 0; i < 3; i++ {
		waitForState(t, conn, broker.StateConnected)
		tr.DropSessions(errors.New("flap"))
	}
	waitForState(t, conn, broker.StateConnected)

	require.NoError(t, conn.Close(context.Background()))
}

func TestReconnectRetriesFailedDials(t *testing.T) {
	tr := channel.NewTransport()
	conn := newConnection(t, tr)
	require.NoError(t, conn.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = conn.Consume(ctx, broker.QueueSpec{Queue: "events"}, func(_ context.Context, msg *broker.Message) error {
			return msg.Ack()
		})
	}()
	waitForState(t, conn, broker.StateConnected)

	// Refuse the next few dials so reconnection has to back off and retry.
	tr.FailDials(3)
	tr.DropSessions(errors.New("flap"))

	waitForState(t, conn, broker.StateConnected)
	assert.GreaterOrEqual(t, tr.Dials(), 5, "initial dial + 3 refused + 1 success")

	require.NoError(t, conn.Close(context.Background()))
}

func TestReconnectBackoffRespectsFloorAndCap(t *testing.T) {
	const (
		floor   = 25 * time.Millisecond
		ceiling = 100 * time.Millisecond
	)
	tr := channel.NewTransport()
	conn := newConnection(t, tr, func(o *broker.Options) {
		o.ReconnectMin = floor
		o.ReconnectMax = ceiling
	})
	require.NoError(t, conn.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = conn.Consume(ctx, broker.QueueSpec{Queue: "events"}, func(_ context.Context, msg *broker.Message) error {
			return msg.Ack()
		})
	}()
	waitForState(t, conn, broker.StateConnected)

	tr.FailDials(6)
	tr.DropSessions(errors.New("flap"))
	waitForState(t, conn, broker.StateConnected)

	require.NoError(t, conn.Close(context.Background()))

	// Dial 0 is the initial connect; dials 1-6 are refused and dial 7
	// succeeds. The wait before each retry is the jittered base interval:
	// the base starts at the floor, grows 1.5x per failed attempt, and is
	// capped at the max. Jitter keeps each wait within +/-50% of its base,
	// so the base schedule is recoverable from the gaps.
	times := tr.DialTimes()
	require.Len(t, times, 8)

	base := floor
	for i := 2; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		assert.GreaterOrEqual(t, gap, base/2,
			"retry %d waited %v, below the jittered floor of base %v", i-1, gap, base)
		assert.LessOrEqual(t, gap, base*3/2+200*time.Millisecond,
			"retry %d waited %v, above the jittered ceiling of base %v", i-1, gap, base)

		base = base * 3 / 2
		if base > ceiling {
			base = ceiling
		}
	}
}

func TestCloseWithoutConnect(t *testing.T) {
	conn := newConnection(t, channel.NewTransport())
	require.NoError(t, conn.Close(context.Background()))
	assert.Equal(t, broker.StateDisconnected, conn.State())

	// Second close is a no-op.
	require.NoError(t, conn.Close(context.Background()))
}

func TestCloseDrainsInFlightHandlers(t *testing.T) {
	tr := channel.NewTransport()
	conn := newConnection(t, tr, func(o *broker.Options) {
		o.DrainGrace = time.Second
	})
	require.NoError(t, conn.Connect(context.Background()))

	ctx := context.Background()
	release := make(chan struct{})
	entered := make(chan struct{})
	var finished atomic.Bool

	go func() {
		_ = conn.Consume(ctx, broker.QueueSpec{Queue: "events"}, func(_ context.Context, msg *broker.Message) error {
			close(entered)
			<-release
			finished.Store(true)
			return msg.Ack()
		})
	}()
	time.Sleep(20 * time.Millisecond)

	tr.Publish("events", []byte("slow"))
	<-entered

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = conn.Close(context.Background())
	}()

	// The handler is still running; close must wait for it.
	time.Sleep(20 * time.Millisecond)
	assert.False(t, finished.Load())
	close(release)
	wg.Wait()
	assert.True(t, finished.Load())
}

type blockingTransport struct {
	release chan struct{}
	sess    *stubSession
}

func (t *blockingTransport) Dial(ctx context.Context) (broker.Session, error) {
	<-t.release
	return t.sess, nil
}

type stubSession struct {
	closed atomic.Bool
}

func (s *stubSession) Consume(context.Context, broker.QueueSpec) (<-chan *broker.Message, error) {
	return make(chan *broker.Message), nil
}

func (s *stubSession) Publish(context.Context, string, []byte) error {
	return nil
}

func (s *stubSession) NotifyClose() <-chan error {
	return make(chan error)
}

func (s *stubSession) Close(context.Context) error {
	s.closed.Store(true)
	return nil
}

func TestCloseDuringConnectDiscardsSession(t *testing.T) {
	sess := &stubSession{}
	tr := &blockingTransport{release: make(chan struct{}), sess: sess}
	conn := newConnection(t, tr)

	errCh := make(chan error, 1)
	go func() { errCh <- conn.Connect(context.Background()) }()
	waitForState(t, conn, broker.StateConnecting)

	// Shutdown begins while the dial is still in flight.
	require.NoError(t, conn.Close(context.Background()))
	close(tr.release)

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("connect never returned")
	}

	// The late session must not survive the close.
	assert.Equal(t, broker.StateDisconnected, conn.State())
	assert.True(t, sess.closed.Load(), "session dialed after close must be closed")

	err := conn.Publish(context.Background(), "events", []byte("x"))
	assert.ErrorIs(t, err, rterrors.ErrNotConnected)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", broker.StateDisconnected.String())
	assert.Equal(t, "connecting", broker.StateConnecting.String())
	assert.Equal(t, "connected", broker.StateConnected.String())
	assert.Equal(t, "draining", broker.StateDraining.String())
	assert.Equal(t, "unknown", broker.State(99).String())
}

type recordingObserver struct {
	mu         sync.Mutex
	states     []broker.State
	reconnects int
	done       int
}

func (r *recordingObserver) StateChanged(s broker.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recordingObserver) Reconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnects++
}

func (r *recordingObserver) MessageDone(time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done++
}

func (r *recordingObserver) snapshot() ([]broker.State, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]broker.State(nil), r.states...), r.reconnects, r.done
}

func TestObserverSeesLifecycle(t *testing.T) {
	tr := channel.NewTransport()
	obs := &recordingObserver{}
	conn := newConnection(t, tr, func(o *broker.Options) { o.Observer = obs })

	require.NoError(t, conn.Connect(context.Background()))
	require.NoError(t, conn.Close(context.Background()))

	states, _, _ := obs.snapshot()
	assert.Equal(t, []broker.State{
		broker.StateConnecting,
		broker.StateConnected,
		broker.StateDraining,
		broker.StateDisconnected,
	}, states)
}

func TestMessageAckNilSafe(t *testing.T) {
	msg := &broker.Message{}
	assert.NoError(t, msg.Ack())
	assert.NoError(t, msg.Nack(true))
}
