// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rabbitlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/glimte/rabbitlog/config"
	"github.com/glimte/rabbitlog/health"
	"github.com/glimte/rabbitlog/internal/metrics"
	"github.com/glimte/rabbitlog/internal/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/metric"
)

// LogEvent is one log entry handed to the target
type LogEvent struct {
	// Message is the rendered body
	Message string
	// Level is the severity name used in the routing key, e.g. "Info"
	Level string
	// Logger is the logger or category name
	Logger string
	Time   time.Time
	// Properties are sent as message headers
	Properties map[string]any
}

// Stats is a snapshot of target counters
type Stats struct {
	Published  uint64
	Replayed   uint64
	Buffered   uint64
	Dropped    uint64
	Backlog    int
	MaxBacklog int
	Connected  bool
}

// Target publishes log events to a RabbitMQ exchange. Writes never fail and
// never block on broker recovery: while the broker is unreachable events
// are buffered up to MaxBuffer and replayed on the next successful write.
type Target struct {
	cfg       *config.Config
	manager   *rabbitmq.ConnectionManager
	publisher *rabbitmq.Publisher
	logger    *slog.Logger
}

// targetConfig holds target construction options
type targetConfig struct {
	logger      *slog.Logger
	meter       metric.Meter
	lazyConnect bool
	dialer      rabbitmq.Dialer
}

// TargetOption configures the target
type TargetOption func(*targetConfig)

// WithLogger sets the logger used for the target's own diagnostics. The
// default writes text to stderr. Records from these diagnostics are never
// sent through the target, even when the logger's handler is a Handler.
func WithLogger(logger *slog.Logger) TargetOption {
	return func(cfg *targetConfig) {
		cfg.logger = logger
	}
}

// WithMeter sets the OpenTelemetry meter for target metrics
func WithMeter(meter metric.Meter) TargetOption {
	return func(cfg *targetConfig) {
		cfg.meter = meter
	}
}

// WithLazyConnect defers the first connection attempt to the first write
func WithLazyConnect() TargetOption {
	return func(cfg *targetConfig) {
		cfg.lazyConnect = true
	}
}

func withDialer(dial rabbitmq.Dialer) TargetOption {
	return func(cfg *targetConfig) {
		cfg.dialer = dial
	}
}

// NewTarget creates a target from cfg. Unless WithLazyConnect is given it
// tries to connect right away; a failed attempt is only logged.
func NewTarget(cfg *config.Config, options ...TargetOption) (*Target, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tc := &targetConfig{
		logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
	for _, opt := range options {
		opt(tc)
	}
	tc.logger = slog.New(diagnosticHandler{tc.logger.Handler()})

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(tc.logger),
		rabbitmq.WithAMQPConfig(cfg.AMQPConfig()),
		rabbitmq.WithExchange(rabbitmq.ExchangeSpec{
			Name:    cfg.Exchange,
			Kind:    cfg.ExchangeType,
			Durable: cfg.Durable,
		}),
		rabbitmq.WithConnectTimeout(cfg.ConnectTimeout),
		rabbitmq.WithShutdownTimeout(cfg.ShutdownTimeout),
		rabbitmq.WithReconnectInterval(cfg.ReconnectInterval),
	}
	if tc.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(tc.dialer))
	}
	manager := rabbitmq.NewConnectionManager(cfg.URL(), connOpts...)

	t := &Target{
		cfg:     cfg,
		manager: manager,
		logger:  tc.logger,
	}

	m, err := metrics.New(tc.meter, cfg.Exchange, func() int64 {
		if t.publisher == nil {
			return 0
		}
		return int64(t.publisher.Stats().Backlog)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	manager.AddStateListener(m)

	publisher, err := rabbitmq.NewPublisher(manager,
		rabbitmq.WithMaxBuffer(cfg.MaxBuffer),
		rabbitmq.WithPublishTimeout(cfg.PublishTimeout),
		rabbitmq.WithPublisherLogger(tc.logger),
		rabbitmq.WithRecorder(m),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}
	t.publisher = publisher

	if !tc.lazyConnect {
		manager.EnsureChannel(context.Background())
	}

	tc.logger.Debug("rabbitmq target initialized",
		"address", cfg.Address(),
		"exchange", cfg.Exchange,
		"maxBuffer", cfg.MaxBuffer)

	return t, nil
}

// Write sends one event. It never returns an error and never panics into
// the caller. Cancellation of ctx is ignored; events logged by the target
// itself are skipped.
func (t *Target) Write(ctx context.Context, event LogEvent) {
	if isDiagnostic(ctx) {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic while writing log event", "panic", r)
		}
	}()

	t.publisher.Send(ctx, t.message(event))
}

// message builds the broker message for event
func (t *Target) message(event LogEvent) rabbitmq.Message {
	ts := event.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	appID := t.cfg.AppID
	if appID == "" {
		appID = event.Logger
	}

	return rabbitmq.Message{
		Body:       []byte(event.Message),
		RoutingKey: t.cfg.FormatTopic(event.Level, event.Logger),
		Properties: rabbitmq.Properties{
			ContentType:     rabbitmq.ContentTypeText,
			ContentEncoding: rabbitmq.ContentEncoding,
			Timestamp:       ts.Truncate(time.Second),
			AppID:           appID,
			// validated user-id
			UserID:    t.cfg.UserName,
			MessageID: uuid.NewString(),
			Headers:   headers(event.Properties),
		},
	}
}

// headers converts event properties to an AMQP table. Values of types the
// wire format cannot carry are sent as their string form.
func headers(props map[string]any) amqp.Table {
	if len(props) == 0 {
		return nil
	}

	table := make(amqp.Table, len(props))
	for k, v := range props {
		switch v := v.(type) {
		case nil, string, bool, int, int32, int64, float32, float64, []byte, time.Time:
			table[k] = v
		case fmt.Stringer:
			table[k] = v.String()
		default:
			table[k] = fmt.Sprint(v)
		}
	}
	return table
}

// Stats returns a snapshot of the target counters
func (t *Target) Stats() Stats {
	s := t.publisher.Stats()
	return Stats{
		Published:  s.Published,
		Replayed:   s.Replayed,
		Buffered:   s.Buffered,
		Dropped:    s.Dropped,
		Backlog:    s.Backlog,
		MaxBacklog: s.MaxBacklog,
		Connected:  s.State == rabbitmq.StateConnected,
	}
}

// HealthSnapshot implements health.Source
func (t *Target) HealthSnapshot() health.Snapshot {
	s := t.Stats()
	return health.Snapshot{
		Connected:  s.Connected,
		Exchange:   t.cfg.Exchange,
		Backlog:    s.Backlog,
		MaxBacklog: s.MaxBacklog,
		Dropped:    s.Dropped,
	}
}

// Close flushes what it can and releases the broker connection within the
// configured shutdown bound. Calling Close more than once is safe.
func (t *Target) Close(ctx context.Context) error {
	return t.publisher.Close(ctx)
}
