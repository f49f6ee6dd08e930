// Package health reports whether a rabbitlog target can currently deliver
// messages.
package health

import (
	"context"
	"fmt"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// DegradedRatio is the backlog fill ratio from which a connected target is
// reported degraded
const DegradedRatio = 0.8

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// Snapshot is the state a publisher exposes for health checks
type Snapshot struct {
	Connected  bool
	Exchange   string
	Backlog    int
	MaxBacklog int
	Dropped    uint64
}

// Source provides publisher snapshots
type Source interface {
	HealthSnapshot() Snapshot
}

// PublisherChecker checks the connection and backlog of a publisher
type PublisherChecker struct {
	source Source
}

// NewPublisherChecker creates a new publisher health checker
func NewPublisherChecker(source Source) *PublisherChecker {
	return &PublisherChecker{source: source}
}

func (c *PublisherChecker) Name() string {
	return "rabbitmq_publisher"
}

func (c *PublisherChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	snap := c.source.HealthSnapshot()
	result.Details["exchange"] = snap.Exchange
	result.Details["connected"] = snap.Connected
	result.Details["backlog"] = snap.Backlog
	result.Details["max_backlog"] = snap.MaxBacklog
	result.Details["dropped"] = snap.Dropped

	switch {
	case !snap.Connected:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Not connected, %d messages buffered", snap.Backlog)
	case snap.MaxBacklog > 0 && float64(snap.Backlog) >= DegradedRatio*float64(snap.MaxBacklog):
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Backlog nearly full (%d/%d)", snap.Backlog, snap.MaxBacklog)
	case snap.Backlog > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Connected with %d messages pending", snap.Backlog)
	default:
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	}

	result.Duration = time.Since(start)
	return result
}
