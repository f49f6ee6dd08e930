package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"
)

// State is the connectivity state of a ConnectionManager
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
}

// ExchangeSpec describes the exchange declared on every new channel
type ExchangeSpec struct {
	Name    string
	Kind    string
	Durable bool
}

// ConnectionManager owns the connection and the channel published on.
// Connect, reconnect and teardown all run under one mutex so there is never
// more than one live connection per manager.
type ConnectionManager struct {
	url             string
	amqpConfig      amqp.Config
	dial            Dialer
	exchange        ExchangeSpec
	connectTimeout  time.Duration
	shutdownTimeout time.Duration
	limiter         *rate.Limiter
	logger          *slog.Logger

	mu      sync.Mutex
	conn    Connection
	channel Channel
	state   State
	closed  bool

	// failures counts failed connection attempts. A caller that queued on
	// mu while an attempt failed returns nil instead of dialing again.
	failures atomic.Uint64

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the function used to open connections
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithAMQPConfig sets the client configuration passed to the dialer
func WithAMQPConfig(cfg amqp.Config) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.amqpConfig = cfg
	}
}

// WithExchange sets the exchange declared on each new channel
func WithExchange(spec ExchangeSpec) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.exchange = spec
	}
}

// WithConnectTimeout bounds a single connection attempt
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithShutdownTimeout bounds each close step (channel, then connection)
func WithShutdownTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.shutdownTimeout = timeout
	}
}

// WithReconnectInterval sets the minimum gap between connection attempts.
// Zero disables throttling.
func WithReconnectInterval(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		if interval <= 0 {
			cm.limiter = nil
			return
		}
		cm.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
}

// NewConnectionManager creates a new connection manager. No connection is
// opened until EnsureChannel is called.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:             url,
		dial:            DialAMQP,
		exchange:        ExchangeSpec{Name: "app-logging", Kind: amqp.ExchangeTopic},
		connectTimeout:  5 * time.Second,
		shutdownTimeout: time.Second,
		logger:          slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// EnsureChannel returns a live channel, connecting first if needed. It
// returns nil when the broker cannot be reached; failures are logged and
// never returned to the caller.
func (cm *ConnectionManager) EnsureChannel(ctx context.Context) Channel {
	seen := cm.failures.Load()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}

	if cm.conn != nil && !cm.conn.IsClosed() {
		if cm.channel != nil && !cm.channel.IsClosed() {
			return cm.channel
		}

		// The broker closed the channel but kept the connection.
		ch, err := cm.openChannel(cm.conn)
		if err == nil {
			cm.channel = ch
			cm.logger.Info("reopened rabbitmq channel", "exchange", cm.exchange.Name)
			return ch
		}
		cm.logger.Error("could not reopen channel, dropping connection", "error", err)
		cm.teardownLocked(channelErrorReason("could not open channel"))
		return nil
	}

	if cm.conn != nil || cm.channel != nil {
		cm.teardownLocked(nil)
	}

	if cm.failures.Load() != seen {
		return nil
	}

	if cm.limiter != nil && !cm.limiter.Allow() {
		cm.logger.Debug("skipping connection attempt", "error", ErrReconnectThrottled)
		return nil
	}

	conn, err := cm.connect(ctx)
	if err != nil {
		cm.failures.Add(1)
		cm.logger.Error("could not connect to rabbitmq", "error", err)
		return nil
	}

	ch, err := cm.openChannel(conn)
	if err != nil {
		cm.failures.Add(1)
		cm.logger.Error("could not create channel", "error", err)
		if cerr := closeWithTimeout(conn.Close, cm.shutdownTimeout); cerr != nil {
			cm.logger.Error("could not close connection", "error", cerr)
		}
		return nil
	}

	cm.conn = conn
	cm.channel = ch
	cm.state = StateConnected

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(conn, notify)

	cm.logger.Info("connected to rabbitmq",
		"url", SanitizeURL(cm.url),
		"exchange", cm.exchange.Name)
	cm.notifyConnected()

	return ch
}

// Invalidate tears down the connection after a publish on ch failed. It is
// a no-op if ch is no longer the current channel.
func (cm *ConnectionManager) Invalidate(ch Channel, cause error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if ch == nil || cm.channel != ch {
		return
	}

	cm.logger.Warn("marking rabbitmq connection down", "error", cause)
	cm.teardownLocked(channelErrorReason("could not talk to rabbitmq instance"))
}

// State returns the current connectivity state
func (cm *ConnectionManager) State() State {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// Close tears down the channel and connection. It is safe to call more than
// once; after Close, EnsureChannel always returns nil.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true

	cm.teardownLocked(&amqp.Error{Code: replySuccess, Reason: "closing appender", Recover: false})
	cm.logger.Info("connection manager shut down")
	return nil
}

// connect dials the broker, giving up after the connect timeout or when ctx
// is done. A connection that completes after we gave up is closed.
func (cm *ConnectionManager) connect(ctx context.Context) (Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url, cm.amqpConfig)
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(cm.url),
				Err:       r.err,
				Timestamp: time.Now(),
			}
		}
		return r.conn, nil

	case <-connCtx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		err := ErrConnectionTimeout
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
}

// openChannel opens a channel and declares the target exchange on it
func (cm *ConnectionManager) openChannel(conn Connection) (Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	err = ch.ExchangeDeclare(
		cm.exchange.Name,
		cm.exchange.Kind,
		cm.exchange.Durable,
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		if cerr := closeWithTimeout(ch.Close, cm.shutdownTimeout); cerr != nil {
			cm.logger.Debug("could not close channel after failed declare", "error", cerr)
		}
		return nil, &TopologyError{
			Component: "exchange",
			Name:      cm.exchange.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	returns := ch.NotifyReturn(make(chan amqp.Return, 16))
	go cm.logReturns(returns)

	return ch, nil
}

// watch waits for the broker or the network to close conn
func (cm *ConnectionManager) watch(conn Connection, notify chan *amqp.Error) {
	reason, ok := <-notify
	if !ok {
		reason = nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.conn != conn {
		// already torn down by us
		return
	}

	if reason != nil {
		cm.logger.Error("rabbitmq connection shut down",
			"code", reason.Code,
			"reason", reason.Reason,
			"server", reason.Server)
	}
	cm.teardownLocked(reason)
}

// logReturns reports messages the broker could not route. The channel is
// closed by the client library when the amqp channel closes.
func (cm *ConnectionManager) logReturns(returns chan amqp.Return) {
	for ret := range returns {
		cm.logger.Warn("message returned by broker",
			"exchange", ret.Exchange,
			"routingKey", ret.RoutingKey,
			"code", ret.ReplyCode,
			"reason", ret.ReplyText)
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

// notifyConnected notifies all listeners of successful connection
func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

// notifyDisconnected notifies all listeners of disconnection
func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func channelErrorReason(text string) *amqp.Error {
	return &amqp.Error{Code: amqp.ChannelError, Reason: text, Recover: true}
}
