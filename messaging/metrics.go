package messaging

import "time"

// Outcome labels recorded by a MetricsRecorder
const (
	OutcomeSuccess        = "success"
	OutcomeQueueNotFound  = "queue_not_found"
	OutcomeTransportError = "transport_error"
	OutcomeTimeout        = "timeout"
	OutcomeCancelled      = "cancelled"
	OutcomeClosed         = "closed"
	OutcomeHandlerFailure = "handler_failure"
)

// MetricsRecorder receives client and worker measurements
type MetricsRecorder interface {
	RecordSend(queue, outcome string)
	RecordCall(queue, outcome string, duration time.Duration)
	RecordDelivery(queue, handler, outcome string, duration time.Duration)
	RecordDroppedReply()
}

// NoOpMetrics discards all measurements
type NoOpMetrics struct{}

func (NoOpMetrics) RecordSend(string, string) {}
func (NoOpMetrics) RecordCall(string, string, time.Duration) {}
func (NoOpMetrics) RecordDelivery(string, string, string, time.Duration) {}
func (NoOpMetrics) RecordDroppedReply() {}
