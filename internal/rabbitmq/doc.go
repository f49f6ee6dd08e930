// Package rabbitmq implements the resilient publisher behind a rabbitlog
// target.
//
// This package includes:
//   - ConnectionManager: owns the single connection and channel, declares the
//     target exchange, reacts to broker shutdown notifications and tears down
//     within a bounded wait
//   - Publisher: sends messages fire-and-forget, falls back to an in-memory
//     backlog while the broker is unreachable and replays it, oldest first,
//     once a channel is available again
//
// Reconnection is lazy: nothing runs in the background to dial the broker.
// The next Send after a failure tries again, optionally throttled by a
// minimum reconnect interval.
package rabbitmq
