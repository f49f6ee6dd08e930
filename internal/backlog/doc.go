// Package backlog provides the bounded in-memory FIFO that holds messages
// while the broker is unreachable.
//
// A Backlog never blocks and never grows past its capacity: once full, new
// entries are counted as dropped and discarded, so the oldest unsent
// messages are the ones that survive an outage. DrainAll hands back the
// whole queue as one generation, leaving the backlog empty for entries that
// arrive afterwards.
package backlog
