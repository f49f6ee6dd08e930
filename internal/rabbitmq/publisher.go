package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/rabbitlog/internal/backlog"
)

// Recorder receives publisher events, typically to feed metrics
type Recorder interface {
	Published(ctx context.Context, n int)
	Replayed(ctx context.Context, n int)
	Buffered(ctx context.Context)
	Dropped(ctx context.Context, n int)
	PublishFailed(ctx context.Context)
}

type noopRecorder struct{}

func (noopRecorder) Published(context.Context, int) {}
func (noopRecorder) Replayed(context.Context, int)  {}
func (noopRecorder) Buffered(context.Context)       {}
func (noopRecorder) Dropped(context.Context, int)   {}
func (noopRecorder) PublishFailed(context.Context)  {}

// Stats is a snapshot of publisher counters
type Stats struct {
	Published  uint64
	Replayed   uint64
	Buffered   uint64
	Dropped    uint64
	Backlog    int
	MaxBacklog int
	State      State
}

// Publisher sends messages to a single exchange. When the broker is
// unreachable messages go to a bounded backlog which is replayed, oldest
// first, before the next message that finds a live channel.
type Publisher struct {
	manager        *ConnectionManager
	backlog        *backlog.Backlog[Message]
	exchange       string
	mandatory      bool
	publishTimeout time.Duration
	logger         *slog.Logger
	recorder       Recorder

	// sendMu serializes drain-and-publish so replay order stays FIFO across
	// concurrent senders. It is never held while connecting.
	sendMu sync.Mutex
	closed atomic.Bool

	published atomic.Uint64
	replayed  atomic.Uint64
	buffered  atomic.Uint64
	refused   atomic.Uint64
}

// PublisherOption configures the publisher
type PublisherOption func(*publisherConfig)

type publisherConfig struct {
	maxBuffer      int
	publishTimeout time.Duration
	mandatory      bool
	logger         *slog.Logger
	recorder       Recorder
}

// WithMaxBuffer sets the backlog capacity
func WithMaxBuffer(size int) PublisherOption {
	return func(c *publisherConfig) {
		c.maxBuffer = size
	}
}

// WithPublishTimeout sets the deadline of the context passed to each
// publish. The amqp091 client does not watch that context once the frame is
// handed to the socket, so a stalled broker is really detected by the
// heartbeat, which closes the connection.
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(c *publisherConfig) {
		c.publishTimeout = timeout
	}
}

// WithMandatory sets the mandatory flag on every publish
func WithMandatory(mandatory bool) PublisherOption {
	return func(c *publisherConfig) {
		c.mandatory = mandatory
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(c *publisherConfig) {
		c.logger = logger
	}
}

// WithRecorder sets the event recorder
func WithRecorder(recorder Recorder) PublisherOption {
	return func(c *publisherConfig) {
		c.recorder = recorder
	}
}

// NewPublisher creates a publisher on top of manager
func NewPublisher(manager *ConnectionManager, options ...PublisherOption) (*Publisher, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: connection manager is required", ErrInvalidConfiguration)
	}

	cfg := &publisherConfig{
		maxBuffer:      backlog.DefaultCapacity,
		publishTimeout: 5 * time.Second,
		mandatory:      true,
		logger:         slog.Default(),
		recorder:       noopRecorder{},
	}

	for _, opt := range options {
		opt(cfg)
	}

	if cfg.publishTimeout <= 0 {
		return nil, fmt.Errorf("%w: publish timeout must be positive", ErrInvalidConfiguration)
	}

	queue, err := backlog.New[Message](cfg.maxBuffer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	return &Publisher{
		manager:        manager,
		backlog:        queue,
		exchange:       manager.exchange.Name,
		mandatory:      cfg.mandatory,
		publishTimeout: cfg.publishTimeout,
		logger:         cfg.logger,
		recorder:       cfg.recorder,
	}, nil
}

// Send publishes msg, or keeps it in the backlog when the broker cannot be
// reached. It never blocks on broker recovery and never fails: delivery is
// best effort.
func (p *Publisher) Send(ctx context.Context, msg Message) {
	if p.closed.Load() {
		p.logger.Warn("dropping message",
			"routingKey", msg.RoutingKey,
			"error", ErrPublisherClosed)
		p.refused.Add(1)
		p.recorder.Dropped(ctx, 1)
		return
	}

	ch := p.manager.EnsureChannel(ctx)
	if ch == nil {
		p.buffer(ctx, msg)
		return
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	if err := p.replay(ctx, ch); err != nil {
		p.fail(ctx, ch, err, msg)
		return
	}

	if err := p.publish(ctx, ch, msg); err != nil {
		p.fail(ctx, ch, err, msg)
		return
	}

	p.published.Add(1)
	p.recorder.Published(ctx, 1)
}

// replay publishes every backlogged message on ch. On the first failure the
// failed message and everything after it go back to the front of the
// backlog. Callers must hold sendMu.
func (p *Publisher) replay(ctx context.Context, ch Channel) error {
	pending := p.backlog.DrainAll()
	if len(pending) == 0 {
		return nil
	}

	p.logger.Info("publishing unsent messages", "count", len(pending))

	for i, m := range pending {
		if err := p.publish(ctx, ch, m); err != nil {
			if dropped := p.backlog.Restore(pending[i:]); dropped > 0 {
				p.dropped(ctx, dropped)
			}
			if i > 0 {
				p.replayed.Add(uint64(i))
				p.recorder.Replayed(ctx, i)
			}
			return err
		}
	}

	p.replayed.Add(uint64(len(pending)))
	p.recorder.Replayed(ctx, len(pending))
	return nil
}

// fail keeps msg for a later attempt and, on a transport error, marks the
// connection down
func (p *Publisher) fail(ctx context.Context, ch Channel, err error, msg Message) {
	p.recorder.PublishFailed(ctx)
	p.logger.Error("could not send to rabbitmq", "error", err)

	p.buffer(ctx, msg)

	if IsTransportError(err) {
		p.manager.Invalidate(ch, err)
	}
}

// publish sends a single message on ch
func (p *Publisher) publish(ctx context.Context, ch Channel, msg Message) error {
	if ch.IsClosed() {
		return p.publishError(msg, ErrChannelClosed)
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	err := ch.PublishWithContext(
		pubCtx,
		p.exchange,
		msg.RoutingKey,
		p.mandatory,
		false, // immediate
		msg.Publishing(),
	)
	if err != nil {
		return p.publishError(msg, err)
	}
	return nil
}

func (p *Publisher) publishError(msg Message, err error) error {
	return &PublishError{
		Exchange:   p.exchange,
		RoutingKey: msg.RoutingKey,
		Mandatory:  p.mandatory,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

// buffer appends msg to the backlog, dropping it when the backlog is full
func (p *Publisher) buffer(ctx context.Context, msg Message) {
	if !p.backlog.Enqueue(msg) {
		p.logger.Warn("backlog full, ignoring message",
			"maxBuffer", p.backlog.Cap(),
			"routingKey", msg.RoutingKey,
			"error", ErrBacklogFull)
		p.recorder.Dropped(ctx, 1)
		return
	}
	p.buffered.Add(1)
	p.recorder.Buffered(ctx)
}

func (p *Publisher) dropped(ctx context.Context, n int) {
	p.logger.Warn("backlog full, discarding restored messages",
		"count", n,
		"maxBuffer", p.backlog.Cap())
	p.recorder.Dropped(ctx, n)
}

// Stats returns a snapshot of the publisher counters
func (p *Publisher) Stats() Stats {
	return Stats{
		Published:  p.published.Load(),
		Replayed:   p.replayed.Load(),
		Buffered:   p.buffered.Load(),
		Dropped:    p.backlog.Dropped() + p.refused.Load(),
		Backlog:    p.backlog.Len(),
		MaxBacklog: p.backlog.Cap(),
		State:      p.manager.State(),
	}
}

// Close flushes the backlog if a channel is still live, then tears down
// the channel and connection. Repeated calls are no-ops.
func (p *Publisher) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	if p.manager.IsConnected() {
		if ch := p.manager.EnsureChannel(ctx); ch != nil {
			p.sendMu.Lock()
			if err := p.replay(ctx, ch); err != nil {
				p.logger.Error("could not flush backlog on close", "error", err)
			}
			p.sendMu.Unlock()
		}
	}

	if err := p.manager.Close(); err != nil {
		p.logger.Error("could not close connection manager", "error", err)
	}

	if remaining := p.backlog.Len(); remaining > 0 {
		p.logger.Warn("discarding unsent messages on close", "count", remaining)
	}
	return nil
}
