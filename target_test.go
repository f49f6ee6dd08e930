package rabbitlog

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/glimte/rabbitlog/config"
	"github.com/glimte/rabbitlog/health"
	"github.com/glimte/rabbitlog/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryBroker is a minimal in-memory broker for target tests
type memoryBroker struct {
	mu        sync.Mutex
	down      bool
	dials     int
	published []amqp.Publishing
	keys      []string
}

func (b *memoryBroker) dial(string, amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.down {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	}
	return &memoryConn{broker: b}, nil
}

func (b *memoryBroker) setDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

func (b *memoryBroker) snapshot() ([]string, []amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.keys...), append([]amqp.Publishing(nil), b.published...)
}

type memoryConn struct {
	broker *memoryBroker
	mu     sync.Mutex
	closed bool
	notify []chan *amqp.Error
}

func (c *memoryConn) Channel() (rabbitmq.Channel, error) {
	return &memoryChannel{conn: c}, nil
}

func (c *memoryConn) NotifyClose(r chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, r)
	return r
}

func (c *memoryConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *memoryConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	for _, n := range c.notify {
		close(n)
	}
	return nil
}

type memoryChannel struct {
	conn   *memoryConn
	mu     sync.Mutex
	closed bool
}

func (ch *memoryChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return nil
}

func (ch *memoryChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if ch.IsClosed() || ch.conn.IsClosed() {
		return amqp.ErrClosed
	}
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, key)
	b.published = append(b.published, msg)
	return nil
}

func (ch *memoryChannel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	return c
}

func (ch *memoryChannel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *memoryChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closed = true
	return nil
}

func newTestTarget(t *testing.T, broker *memoryBroker, mutate func(*config.Config), opts ...TargetOption) *Target {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	target, err := NewTarget(cfg, append([]TargetOption{withDialer(broker.dial)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = target.Close(context.Background()) })
	return target
}

func TestNewTarget(t *testing.T) {
	t.Run("connects on start", func(t *testing.T) {
		broker := &memoryBroker{}
		target := newTestTarget(t, broker, nil)

		assert.True(t, target.Stats().Connected)
		assert.Equal(t, 1, broker.dials)
	})

	t.Run("lazy connect waits for first write", func(t *testing.T) {
		broker := &memoryBroker{}
		target := newTestTarget(t, broker, nil, WithLazyConnect())

		assert.False(t, target.Stats().Connected)
		assert.Equal(t, 0, broker.dials)
	})

	t.Run("unreachable broker does not fail construction", func(t *testing.T) {
		broker := &memoryBroker{down: true}
		target := newTestTarget(t, broker, nil)
		assert.False(t, target.Stats().Connected)
	})

	t.Run("invalid config is rejected", func(t *testing.T) {
		cfg := config.Default()
		cfg.MaxBuffer = 0
		_, err := NewTarget(cfg)
		assert.ErrorIs(t, err, config.ErrInvalidConfiguration)
	})
}

func TestTargetWrite(t *testing.T) {
	ctx := context.Background()
	when := time.Date(2024, 5, 1, 12, 30, 15, 500_000_000, time.UTC)

	t.Run("builds properties and routing key", func(t *testing.T) {
		broker := &memoryBroker{}
		target := newTestTarget(t, broker, nil)

		target.Write(ctx, LogEvent{
			Message:    "Info msg",
			Level:      "Info",
			Logger:     "orders.api",
			Time:       when,
			Properties: map[string]any{"requestId": "abc", "attempt": 2, "elapsed": time.Second},
		})

		keys, msgs := broker.snapshot()
		require.Len(t, msgs, 1)
		assert.Equal(t, "Info", keys[0])

		msg := msgs[0]
		assert.Equal(t, []byte("Info msg"), msg.Body)
		assert.Equal(t, "text/plain", msg.ContentType)
		assert.Equal(t, "utf8", msg.ContentEncoding)
		assert.Equal(t, "orders.api", msg.AppId)
		assert.Equal(t, "guest", msg.UserId)
		assert.Equal(t, when.Truncate(time.Second), msg.Timestamp)
		assert.NotEmpty(t, msg.MessageId)
		assert.Equal(t, "abc", msg.Headers["requestId"])
		assert.Equal(t, 2, msg.Headers["attempt"])
		assert.Equal(t, "1s", msg.Headers["elapsed"])
	})

	t.Run("configured app id and topic template", func(t *testing.T) {
		broker := &memoryBroker{}
		target := newTestTarget(t, broker, func(c *config.Config) {
			c.AppID = "billing"
			c.Topic = "ApplicationType.MyApp.Web.{0}"
		})

		target.Write(ctx, LogEvent{Message: "boom", Level: "Error", Logger: "billing.worker", Time: when})

		keys, msgs := broker.snapshot()
		require.Len(t, msgs, 1)
		assert.Equal(t, "ApplicationType.MyApp.Web.Error", keys[0])
		assert.Equal(t, "billing", msgs[0].AppId)
	})

	t.Run("buffers while down and replays after recovery", func(t *testing.T) {
		broker := &memoryBroker{down: true}
		target := newTestTarget(t, broker, func(c *config.Config) { c.MaxBuffer = 2 })

		target.Write(ctx, LogEvent{Message: "m1", Level: "Info"})
		target.Write(ctx, LogEvent{Message: "m2", Level: "Info"})
		target.Write(ctx, LogEvent{Message: "m3", Level: "Info"})

		stats := target.Stats()
		assert.Equal(t, 2, stats.Backlog)
		assert.Equal(t, uint64(1), stats.Dropped)

		broker.setDown(false)
		target.Write(ctx, LogEvent{Message: "m4", Level: "Info"})

		_, msgs := broker.snapshot()
		var bodies []string
		for _, m := range msgs {
			bodies = append(bodies, string(m.Body))
		}
		assert.Equal(t, []string{"m1", "m2", "m4"}, bodies)
	})

	t.Run("cancelled caller context still publishes", func(t *testing.T) {
		broker := &memoryBroker{}
		target := newTestTarget(t, broker, nil, WithLazyConnect())

		cancelled, cancel := context.WithCancel(context.Background())
		cancel()
		target.Write(cancelled, LogEvent{Message: "m1", Level: "Info"})

		keys, _ := broker.snapshot()
		assert.Equal(t, []string{"Info"}, keys)
		assert.Equal(t, 0, target.Stats().Backlog)
		assert.True(t, target.Stats().Connected)
	})

	t.Run("zero time defaults to now", func(t *testing.T) {
		broker := &memoryBroker{}
		target := newTestTarget(t, broker, nil)

		target.Write(ctx, LogEvent{Message: "m", Level: "Info"})

		_, msgs := broker.snapshot()
		require.Len(t, msgs, 1)
		assert.WithinDuration(t, time.Now(), msgs[0].Timestamp, 2*time.Second)
	})
}

// swapHandler forwards to a handler installed after construction
type swapHandler struct {
	mu   sync.Mutex
	next slog.Handler
}

func (h *swapHandler) set(next slog.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next = next
}

func (h *swapHandler) get() slog.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.next
}

func (h *swapHandler) Enabled(ctx context.Context, level slog.Level) bool {
	next := h.get()
	return next != nil && next.Enabled(ctx, level)
}

func (h *swapHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.get().Handle(ctx, r)
}

func (h *swapHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *swapHandler) WithGroup(string) slog.Handler      { return h }

func TestTargetOwnLogsDoNotLoopBack(t *testing.T) {
	broker := &memoryBroker{down: true}
	sink := &swapHandler{}
	target := newTestTarget(t, broker, nil, WithLazyConnect(), WithLogger(slog.New(sink)))
	sink.set(NewHandler(target, nil))

	app := slog.New(NewHandler(target, nil))
	done := make(chan struct{})
	go func() {
		defer close(done)
		app.Info("order placed")
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("logging through the target blocked")
	}

	// only the application record is buffered, not the connect failure
	assert.Equal(t, 1, target.Stats().Backlog)
}

func TestTargetHealth(t *testing.T) {
	broker := &memoryBroker{down: true}
	target := newTestTarget(t, broker, nil)
	target.Write(context.Background(), LogEvent{Message: "m1", Level: "Info"})

	checker := health.NewPublisherChecker(target)
	result := checker.Check(context.Background())

	assert.Equal(t, health.StatusUnhealthy, result.Status)
	assert.Equal(t, 1, result.Details["backlog"])
	assert.Equal(t, "app-logging", result.Details["exchange"])
}

func TestTargetClose(t *testing.T) {
	broker := &memoryBroker{}
	target := newTestTarget(t, broker, nil)

	require.NoError(t, target.Close(context.Background()))
	require.NoError(t, target.Close(context.Background()))
	assert.False(t, target.Stats().Connected)

	target.Write(context.Background(), LogEvent{Message: "late", Level: "Info"})
	_, msgs := broker.snapshot()
	assert.Empty(t, msgs)
}
