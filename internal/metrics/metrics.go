// Package metrics exposes publisher activity as OpenTelemetry instruments.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScopeName is the instrumentation scope used when no meter is supplied
const ScopeName = "github.com/glimte/rabbitlog"

// Metrics holds the instruments for one target
type Metrics struct {
	attrs metric.MeasurementOption

	published      metric.Int64Counter
	replayed       metric.Int64Counter
	buffered       metric.Int64Counter
	dropped        metric.Int64Counter
	publishFailed  metric.Int64Counter
	connects       metric.Int64Counter
	disconnects    metric.Int64Counter
	backlogDepth   metric.Int64ObservableGauge
	backlogCapture func() int64
}

// New creates the instruments on meter. A nil meter uses the global
// provider. backlog reports the current backlog depth and may be nil.
func New(meter metric.Meter, exchange string, backlog func() int64) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(ScopeName)
	}

	m := &Metrics{
		attrs:          metric.WithAttributes(attribute.String("exchange", exchange)),
		backlogCapture: backlog,
	}

	var err error

	m.published, err = meter.Int64Counter(
		"rabbitlog.messages.published",
		metric.WithDescription("Messages published directly"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create published counter: %w", err)
	}

	m.replayed, err = meter.Int64Counter(
		"rabbitlog.messages.replayed",
		metric.WithDescription("Backlogged messages published after reconnecting"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create replayed counter: %w", err)
	}

	m.buffered, err = meter.Int64Counter(
		"rabbitlog.messages.buffered",
		metric.WithDescription("Messages kept in the backlog"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create buffered counter: %w", err)
	}

	m.dropped, err = meter.Int64Counter(
		"rabbitlog.messages.dropped",
		metric.WithDescription("Messages discarded because the backlog was full or the target closed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dropped counter: %w", err)
	}

	m.publishFailed, err = meter.Int64Counter(
		"rabbitlog.publish.failures",
		metric.WithDescription("Failed publish attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publish failures counter: %w", err)
	}

	m.connects, err = meter.Int64Counter(
		"rabbitlog.connections.opened",
		metric.WithDescription("Broker connections established"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connections counter: %w", err)
	}

	m.disconnects, err = meter.Int64Counter(
		"rabbitlog.connections.lost",
		metric.WithDescription("Broker connections torn down"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create disconnections counter: %w", err)
	}

	if backlog != nil {
		m.backlogDepth, err = meter.Int64ObservableGauge(
			"rabbitlog.backlog.depth",
			metric.WithDescription("Messages waiting in the backlog"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(m.backlogCapture(), metric.WithAttributes(attribute.String("exchange", exchange)))
				return nil
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create backlog gauge: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) Published(ctx context.Context, n int) {
	m.published.Add(ctx, int64(n), m.attrs)
}

func (m *Metrics) Replayed(ctx context.Context, n int) {
	m.replayed.Add(ctx, int64(n), m.attrs)
}

func (m *Metrics) Buffered(ctx context.Context) {
	m.buffered.Add(ctx, 1, m.attrs)
}

func (m *Metrics) Dropped(ctx context.Context, n int) {
	m.dropped.Add(ctx, int64(n), m.attrs)
}

func (m *Metrics) PublishFailed(ctx context.Context) {
	m.publishFailed.Add(ctx, 1, m.attrs)
}

// OnConnected implements the connection state listener
func (m *Metrics) OnConnected() {
	m.connects.Add(context.Background(), 1, m.attrs)
}

// OnDisconnected implements the connection state listener
func (m *Metrics) OnDisconnected(err error) {
	m.disconnects.Add(context.Background(), 1, m.attrs)
}
