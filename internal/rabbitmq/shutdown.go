package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// replySuccess is the AMQP reply code for a normal close
const replySuccess = 200

// teardownLocked releases the channel and connection. Each close step gets
// at most shutdownTimeout; if the transport hangs the references are dropped
// anyway. Callers must hold cm.mu.
func (cm *ConnectionManager) teardownLocked(reason *amqp.Error) {
	ch, conn := cm.channel, cm.conn
	wasConnected := cm.state == StateConnected

	cm.channel = nil
	cm.conn = nil
	cm.state = StateDisconnected

	if ch != nil && !ch.IsClosed() && !alreadyEscalated(reason) {
		if err := closeWithTimeout(ch.Close, cm.shutdownTimeout); err != nil {
			cm.logger.Error("could not close channel", "error", err)
		}
	}

	if conn != nil && !conn.IsClosed() {
		if err := closeWithTimeout(conn.Close, cm.shutdownTimeout); err != nil {
			cm.logger.Error("could not close connection", "error", err)
		}
	}

	if wasConnected {
		var cause error
		if reason != nil {
			cause = reason
		}
		cm.notifyDisconnected(cause)
	}
}

// alreadyEscalated reports whether the shutdown reason already stems from a
// channel or forced connection error, in which case the channel is not
// closed again.
func alreadyEscalated(reason *amqp.Error) bool {
	if reason == nil {
		return false
	}
	return reason.Code == amqp.ChannelError || reason.Code == amqp.ConnectionForced
}

// closeWithTimeout runs fn and waits at most timeout for it to return
func closeWithTimeout(fn func() error, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return ErrShutdownTimeout
	}
}
