package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/rabbitrpc/messaging"
)

// ConnectionChecker checks that a broker connection is open and can still
// open channels
type ConnectionChecker struct {
	conn messaging.Connection
}

// NewConnectionChecker creates a connection health checker
func NewConnectionChecker(conn messaging.Connection) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "connection"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if c.conn.IsClosed() {
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
		result.Duration = time.Since(start)
		return result
	}

	ch, err := c.conn.Channel(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	_ = ch.Close()

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// QueueChecker checks that a queue exists. A backlog above maxReady is
// reported as degraded; zero disables the backlog check.
type QueueChecker struct {
	conn     messaging.Connection
	queue    string
	maxReady int
}

// NewQueueChecker creates a queue health checker
func NewQueueChecker(conn messaging.Connection, queue string, maxReady int) *QueueChecker {
	return &QueueChecker{
		conn:     conn,
		queue:    queue,
		maxReady: maxReady,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	ch, err := c.conn.Channel(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer ch.Close()

	info, err := ch.DeclareQueue(ctx, messaging.QueueOptions{Name: c.queue, Passive: true})
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queue)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is accessible", c.queue)
	result.Duration = time.Since(start)
	result.Details["message_count"] = info.Messages
	result.Details["consumer_count"] = info.Consumers

	if c.maxReady > 0 && info.Messages > c.maxReady {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has %d messages waiting", c.queue, info.Messages)
	}

	return result
}
