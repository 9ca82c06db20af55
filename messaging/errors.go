package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrQueueNotFound is returned when a passive declare finds no queue
	ErrQueueNotFound = errors.New("rabbitrpc: queue not found")

	// ErrClientClosed is returned for operations on a closed client or worker
	ErrClientClosed = errors.New("rabbitrpc: client is closed")

	// ErrCallTimeout is returned when a call's configured timeout elapses
	ErrCallTimeout = errors.New("rabbitrpc: call timed out waiting for reply")

	// ErrDuplicateCorrelationID is returned when a correlation id is already pending
	ErrDuplicateCorrelationID = errors.New("rabbitrpc: correlation id already pending")

	// ErrDeliveriesClosed is returned when the broker stops delivering to a consumer
	ErrDeliveriesClosed = errors.New("rabbitrpc: delivery stream closed")

	// ErrWorkerBusy is returned when a worker is already running a consume loop
	ErrWorkerBusy = errors.New("rabbitrpc: worker is already consuming")

	// ErrNoAcknowledger is returned when settling a delivery that has no acknowledger
	ErrNoAcknowledger = errors.New("rabbitrpc: delivery has no acknowledger")

	// ErrEmptyQueueName is returned when an operation requires a queue name
	ErrEmptyQueueName = errors.New("rabbitrpc: queue name is required")
)

// QueueNotFoundError reports that the target queue of an operation does not
// exist. It is an expected condition, distinct from a transport failure.
type QueueNotFoundError struct {
	Op    string // Operation that probed the queue
	Queue string // Queue name
	Err   error  // Underlying probe error
}

func (e *QueueNotFoundError) Error() string {
	return fmt.Sprintf("%s: queue %q not found, consider declaring it first", e.Op, e.Queue)
}

func (e *QueueNotFoundError) Unwrap() error {
	return e.Err
}

// Is matches ErrQueueNotFound even when the probe error did not wrap it
func (e *QueueNotFoundError) Is(target error) bool {
	return target == ErrQueueNotFound
}

// TransportError reports a broker or channel failure during an operation
type TransportError struct {
	Op        string    // Operation that failed
	Queue     string    // Queue involved, if any
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TransportError) Error() string {
	if e.Queue == "" {
		return fmt.Sprintf("rabbitrpc transport error: %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("rabbitrpc transport error: %s on queue %s failed: %v", e.Op, e.Queue, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HandlerError reports that a work handler failed on one delivery
type HandlerError struct {
	Handler       string // Handler name
	Queue         string // Queue the delivery came from
	CorrelationID string // Correlation id of the delivery, if any
	Err           error  // Error returned or recovered from the handler
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed on message from %s: %v", e.Handler, e.Queue, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// IsQueueNotFound reports whether err signals a missing queue
func IsQueueNotFound(err error) bool {
	return errors.Is(err, ErrQueueNotFound)
}

// IsTransportError reports whether err is a broker or channel failure
func IsTransportError(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}
