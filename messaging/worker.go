package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/rabbitrpc/internal/reliability"
	"github.com/google/uuid"
)

// DeliveryState is a step in the processing of one delivery
type DeliveryState int

const (
	StateIdle DeliveryState = iota
	StateDelivered
	StateHandling
	StateReplied
	StateHandlerFailed
	StateAcked
	StateUnacked
	StateStopped
)

func (s DeliveryState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDelivered:
		return "delivered"
	case StateHandling:
		return "handling"
	case StateReplied:
		return "replied"
	case StateHandlerFailed:
		return "handler_failed"
	case StateAcked:
		return "acked"
	case StateUnacked:
		return "unacked"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FailurePolicy determines what happens to a delivery whose handler failed
type FailurePolicy int

const (
	// FailureLeaveUnacked keeps the delivery unacknowledged until the channel
	// closes, at which point the broker redelivers it
	FailureLeaveUnacked FailurePolicy = iota
	// FailureRequeue nacks the delivery back onto its queue after the retry
	// policy's delay, and rejects it once the policy gives up
	FailureRequeue
	// FailureReject nacks the delivery without requeue so broker
	// dead-lettering applies
	FailureReject
)

func (p FailurePolicy) String() string {
	switch p {
	case FailureLeaveUnacked:
		return "leave-unacked"
	case FailureRequeue:
		return "requeue"
	case FailureReject:
		return "reject"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseFailurePolicy parses the String form of a FailurePolicy
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "", "leave-unacked":
		return FailureLeaveUnacked, nil
	case "requeue":
		return FailureRequeue, nil
	case "reject":
		return FailureReject, nil
	default:
		return 0, fmt.Errorf("unknown failure policy %q", s)
	}
}

// Mode selects a consume variant: whether handler results are sent back to
// the requester, and whether the loop stops after the first success
type Mode struct {
	Reply bool
	Once  bool
}

var (
	ModeReceiveAndReplyOnce       = Mode{Reply: true, Once: true}
	ModeReceiveAndReplyContinuous = Mode{Reply: true, Once: false}
	ModeConsumeOnce               = Mode{Reply: false, Once: true}
	ModeConsumeContinuous         = Mode{Reply: false, Once: false}
)

// Worker pulls messages from a work queue, applies a handler and optionally
// replies. A worker runs one consume loop at a time on its own channel.
type Worker struct {
	ch            Channel
	logger        *slog.Logger
	metrics       MetricsRecorder
	prefetch      int
	failurePolicy FailurePolicy
	retryPolicy   reliability.RetryPolicy

	running atomic.Bool
	held    atomic.Int64

	// failures counts requeued attempts per message on queues that carry no
	// delivery counter. Only the running consume loop touches it.
	failures map[string]int

	closeOnce sync.Once
	closed    chan struct{}
}

// workerConfig holds worker configuration
type workerConfig struct {
	logger        *slog.Logger
	metrics       MetricsRecorder
	prefetch      int
	failurePolicy FailurePolicy
	retryPolicy   reliability.RetryPolicy
}

// WorkerOption configures the worker
type WorkerOption func(*workerConfig)

// WithWorkerLogger sets the logger
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(c *workerConfig) {
		c.logger = logger
	}
}

// WithWorkerMetrics sets the metrics recorder
func WithWorkerMetrics(metrics MetricsRecorder) WorkerOption {
	return func(c *workerConfig) {
		c.metrics = metrics
	}
}

// WithPrefetch sets how many deliveries may be in flight to the worker
func WithPrefetch(count int) WorkerOption {
	return func(c *workerConfig) {
		c.prefetch = count
	}
}

// WithFailurePolicy sets what happens to deliveries whose handler failed
func WithFailurePolicy(policy FailurePolicy) WorkerOption {
	return func(c *workerConfig) {
		c.failurePolicy = policy
	}
}

// WithRequeuePolicy sets the retry policy consulted by FailureRequeue
func WithRequeuePolicy(policy reliability.RetryPolicy) WorkerOption {
	return func(c *workerConfig) {
		c.retryPolicy = policy
	}
}

// NewWorker opens a channel on conn and applies the worker's prefetch
func NewWorker(ctx context.Context, conn Connection, opts ...WorkerOption) (*Worker, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection cannot be nil")
	}

	cfg := &workerConfig{
		logger:        slog.Default(),
		metrics:       NoOpMetrics{},
		prefetch:      1,
		failurePolicy: FailureLeaveUnacked,
		retryPolicy:   reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.prefetch < 1 {
		return nil, fmt.Errorf("prefetch must be at least 1, got %d", cfg.prefetch)
	}

	ch, err := conn.Channel(ctx)
	if err != nil {
		return nil, &TransportError{Op: "open channel", Err: err, Timestamp: time.Now()}
	}
	if err := ch.SetPrefetch(cfg.prefetch); err != nil {
		ch.Close()
		return nil, &TransportError{Op: "set prefetch", Err: err, Timestamp: time.Now()}
	}

	return &Worker{
		ch:            ch,
		logger:        cfg.logger,
		metrics:       cfg.metrics,
		prefetch:      cfg.prefetch,
		failurePolicy: cfg.failurePolicy,
		retryPolicy:   cfg.retryPolicy,
		failures:      make(map[string]int),
		closed:        make(chan struct{}),
	}, nil
}

// ReceiveAndReplyOnce replies to exactly one successfully handled message
func (w *Worker) ReceiveAndReplyOnce(ctx context.Context, queue string, handler Handler) error {
	return w.Run(ctx, queue, handler, ModeReceiveAndReplyOnce)
}

// ReceiveAndReplyContinuous replies to messages until ctx is done
func (w *Worker) ReceiveAndReplyContinuous(ctx context.Context, queue string, handler Handler) error {
	return w.Run(ctx, queue, handler, ModeReceiveAndReplyContinuous)
}

// ConsumeOnce handles exactly one message successfully without replying
func (w *Worker) ConsumeOnce(ctx context.Context, queue string, handler Handler) error {
	return w.Run(ctx, queue, handler, ModeConsumeOnce)
}

// ConsumeContinuous handles messages without replying until ctx is done
func (w *Worker) ConsumeContinuous(ctx context.Context, queue string, handler Handler) error {
	return w.Run(ctx, queue, handler, ModeConsumeContinuous)
}

// Run consumes from queue in the given mode. It returns nil after the first
// success in a Once mode, ctx.Err() on cancellation, a *QueueNotFoundError
// when the queue does not exist, and a transport error when the broker stops
// cooperating. Handler failures never end the loop.
func (w *Worker) Run(ctx context.Context, queue string, handler Handler, mode Mode) error {
	if queue == "" {
		return ErrEmptyQueueName
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	if w.isClosed() {
		return ErrClientClosed
	}
	if !w.running.CompareAndSwap(false, true) {
		return ErrWorkerBusy
	}
	defer w.running.Store(false)

	if _, err := w.ch.DeclareQueue(ctx, QueueOptions{Name: queue, Passive: true}); err != nil {
		if IsQueueNotFound(err) {
			w.logger.Info("work queue not found", "queue", queue)
			return &QueueNotFoundError{Op: "consume", Queue: queue, Err: err}
		}
		return &TransportError{Op: "consume probe", Queue: queue, Err: err, Timestamp: time.Now()}
	}

	sub, err := w.subscribe(ctx, queue)
	if err != nil {
		return err
	}

	name := HandlerName(handler)
	w.logger.Info("worker consuming",
		"queue", queue,
		"handler", name,
		"reply", mode.Reply,
		"once", mode.Once,
		"consumerTag", sub.tag,
	)

	for {
		select {
		case <-ctx.Done():
			w.stopConsuming(sub)
			w.logger.Info("worker cancelled", "queue", queue, "handler", name)
			return ctx.Err()

		case <-w.closed:
			return ErrClientClosed

		case delivery, ok := <-sub.deliveries:
			if !ok {
				if w.isClosed() {
					return ErrClientClosed
				}
				return &TransportError{Op: "consume", Queue: queue, Err: ErrDeliveriesClosed, Timestamp: time.Now()}
			}

			state, err := w.process(ctx, queue, name, handler, delivery, mode, sub)
			if err != nil {
				return err
			}
			switch state {
			case StateStopped:
				w.logger.Info("worker stopped after one message", "queue", queue, "handler", name)
				return nil
			case StateUnacked:
				// The held delivery keeps counting against this consumer's
				// prefetch; a fresh consumer starts with full credit.
				w.stopConsuming(sub)
				if sub, err = w.subscribe(ctx, queue); err != nil {
					return err
				}
			}
		}
	}
}

// subscription is one registered consumer
type subscription struct {
	tag        string
	deliveries <-chan Delivery
}

func (w *Worker) subscribe(ctx context.Context, queue string) (*subscription, error) {
	tag := "rabbitrpc-worker-" + uuid.New().String()
	deliveries, err := w.ch.Consume(ctx, queue, ConsumeOptions{Tag: tag})
	if err != nil {
		if IsQueueNotFound(err) {
			return nil, &QueueNotFoundError{Op: "consume", Queue: queue, Err: err}
		}
		return nil, &TransportError{Op: "consume", Queue: queue, Err: err, Timestamp: time.Now()}
	}
	return &subscription{tag: tag, deliveries: deliveries}, nil
}

// process drives one delivery through the state machine and returns the
// state it settled in. A non-nil error is a transport failure that ends the
// loop.
func (w *Worker) process(ctx context.Context, queue, name string, handler Handler, delivery Delivery, mode Mode, sub *subscription) (DeliveryState, error) {
	start := time.Now()
	state := StateDelivered

	logger := w.logger.With(
		"queue", queue,
		"handler", name,
		"correlationId", delivery.CorrelationID,
		"deliveryTag", delivery.Tag,
	)
	logger.Debug("delivery received", "state", state, "redelivered", delivery.Redelivered)

	state = StateHandling
	result, err := invokeHandler(ctx, handler, delivery.Body)
	if err != nil {
		state = StateHandlerFailed
		handlerErr := &HandlerError{
			Handler:       name,
			Queue:         queue,
			CorrelationID: delivery.CorrelationID,
			Err:           err,
		}
		logger.Error("couldn't execute handler on message", "error", handlerErr, "state", state)
		w.metrics.RecordDelivery(queue, name, OutcomeHandlerFailure, time.Since(start))

		return w.settleFailure(ctx, logger, delivery, handlerErr)
	}

	if mode.Reply {
		if delivery.ReplyTo == "" {
			logger.Warn("message has no reply-to, result dropped")
		} else {
			err := w.ch.Publish(ctx, DefaultExchange, delivery.ReplyTo, Publishing{
				Body:          result,
				CorrelationID: delivery.CorrelationID,
				Timestamp:     time.Now(),
			})
			if err != nil {
				w.metrics.RecordDelivery(queue, name, OutcomeTransportError, time.Since(start))
				return StateUnacked, &TransportError{Op: "reply", Queue: delivery.ReplyTo, Err: err, Timestamp: time.Now()}
			}
			state = StateReplied
			logger.Debug("reply published", "state", state, "replyTo", delivery.ReplyTo)
		}
	}

	// In a Once mode the consumer goes first so the ack cannot make room for
	// another delivery.
	if mode.Once {
		w.stopConsuming(sub)
	}

	if err := delivery.Ack(); err != nil {
		w.metrics.RecordDelivery(queue, name, OutcomeTransportError, time.Since(start))
		return StateUnacked, &TransportError{Op: "ack", Queue: queue, Err: err, Timestamp: time.Now()}
	}
	state = StateAcked
	if len(w.failures) > 0 {
		delete(w.failures, messageKey(delivery))
	}
	w.metrics.RecordDelivery(queue, name, OutcomeSuccess, time.Since(start))
	logger.Debug("delivery acknowledged", "state", state, "duration", time.Since(start))

	if mode.Once {
		return StateStopped, nil
	}
	return StateIdle, nil
}

// settleFailure applies the failure policy to a delivery whose handler failed
func (w *Worker) settleFailure(ctx context.Context, logger *slog.Logger, delivery Delivery, handlerErr *HandlerError) (DeliveryState, error) {
	switch w.failurePolicy {
	case FailureRequeue:
		key := messageKey(delivery)
		attempt := w.failedAttempts(key, delivery)
		retry, delay := w.retryPolicy.ShouldRetry(attempt, handlerErr)
		if retry {
			w.failures[key] = attempt + 1
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		} else {
			delete(w.failures, key)
		}
		if err := delivery.Nack(retry); err != nil {
			return StateUnacked, &TransportError{Op: "nack", Queue: handlerErr.Queue, Err: err, Timestamp: time.Now()}
		}
		logger.Info("delivery returned to broker", "requeue", retry, "attempt", attempt)
		return StateIdle, nil

	case FailureReject:
		if err := delivery.Nack(false); err != nil {
			return StateUnacked, &TransportError{Op: "nack", Queue: handlerErr.Queue, Err: err, Timestamp: time.Now()}
		}
		logger.Info("delivery rejected")
		return StateIdle, nil

	default:
		held := w.held.Add(1)
		logger.Warn("delivery left unacknowledged", "state", StateUnacked, "held", held)
		return StateUnacked, nil
	}
}

// stopConsuming cancels the consumer and returns anything already buffered
// for it to the queue
func (w *Worker) stopConsuming(sub *subscription) {
	if err := w.ch.Cancel(sub.tag); err != nil {
		w.logger.Warn("failed to cancel consumer", "consumerTag", sub.tag, "error", err)
		return
	}
	for delivery := range sub.deliveries {
		if err := delivery.Nack(true); err != nil {
			w.logger.Warn("failed to requeue buffered delivery", "deliveryTag", delivery.Tag, "error", err)
		}
	}
}

// Held returns how many deliveries this worker currently holds
// unacknowledged under FailureLeaveUnacked. Held deliveries are never settled
// by the worker; they return to their queue when the worker is closed, which
// resets the count to zero.
func (w *Worker) Held() int {
	return int(w.held.Load())
}

// Close closes the worker's channel. Deliveries left unacknowledged are
// redelivered by the broker.
func (w *Worker) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		err = w.ch.Close()
		w.held.Store(0)
	})
	return err
}

func (w *Worker) isClosed() bool {
	select {
	case <-w.closed:
		return true
	default:
		return false
	}
}

// deliveryCount returns the quorum queue delivery counter when the broker
// supplies one
func deliveryCount(delivery Delivery) (int, bool) {
	switch count := delivery.Headers["x-delivery-count"].(type) {
	case int:
		return count, true
	case int32:
		return int(count), true
	case int64:
		return int(count), true
	}
	return 0, false
}

// failedAttempts returns how many times the message behind delivery has
// already failed. Classic queues only flag a redelivery, so without a broker
// counter the worker relies on its own per-message count.
func (w *Worker) failedAttempts(key string, delivery Delivery) int {
	if count, ok := deliveryCount(delivery); ok {
		return count
	}
	if count := w.failures[key]; count > 0 {
		return count
	}
	if delivery.Redelivered {
		return 1
	}
	return 0
}

// messageKey identifies a message across redeliveries: its message id when
// set, otherwise a name-based UUID of correlation id and body. Identical
// messages without ids share a key.
func messageKey(delivery Delivery) string {
	if delivery.MessageID != "" {
		return delivery.MessageID
	}
	name := make([]byte, 0, len(delivery.CorrelationID)+1+len(delivery.Body))
	name = append(name, delivery.CorrelationID...)
	name = append(name, 0)
	name = append(name, delivery.Body...)
	return uuid.NewSHA1(uuid.NameSpaceOID, name).String()
}
