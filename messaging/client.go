package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SendResult reports where a fire-and-forget message was enqueued
type SendResult struct {
	Queue string
}

// RPCClient publishes messages and performs blocking request/reply calls over
// one broker channel. Replies arrive on a private, exclusive, auto-delete
// reply queue declared when the client is created.
type RPCClient struct {
	ch         Channel
	chMu       sync.Mutex
	tracker    *CorrelationTracker
	replyQueue string
	logger     *slog.Logger
	metrics    MetricsRecorder
	timeout    time.Duration
	newID      func() string

	closeOnce    sync.Once
	closed       chan struct{}
	dispatchDone chan struct{}
}

// clientConfig holds client configuration
type clientConfig struct {
	logger   *slog.Logger
	metrics  MetricsRecorder
	timeout    time.Duration
	prefetch   int
	replyQueue string
	newID      func() string
}

// ClientOption configures the RPC client
type ClientOption func(*clientConfig)

// WithClientLogger sets the logger
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithClientMetrics sets the metrics recorder
func WithClientMetrics(metrics MetricsRecorder) ClientOption {
	return func(c *clientConfig) {
		c.metrics = metrics
	}
}

// WithCallTimeout bounds how long Call waits for a reply. Zero, the default,
// waits until a reply arrives or the context is done.
func WithCallTimeout(timeout time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.timeout = timeout
	}
}

// WithClientPrefetch sets the channel prefetch count
func WithClientPrefetch(count int) ClientOption {
	return func(c *clientConfig) {
		c.prefetch = count
	}
}

// WithReplyQueue names the reply queue. The queue is still exclusive to the
// client's connection, so a second client using the same name elsewhere fails
// with a resource-locked error. Empty, the default, lets the broker pick.
func WithReplyQueue(name string) ClientOption {
	return func(c *clientConfig) {
		c.replyQueue = name
	}
}

// WithCorrelationIDGenerator replaces the UUID correlation id generator
func WithCorrelationIDGenerator(fn func() string) ClientOption {
	return func(c *clientConfig) {
		c.newID = fn
	}
}

// NewRPCClient opens a channel on conn, declares the reply queue and starts
// dispatching replies to pending calls
func NewRPCClient(ctx context.Context, conn Connection, opts ...ClientOption) (*RPCClient, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection cannot be nil")
	}

	cfg := &clientConfig{
		logger:   slog.Default(),
		metrics:  NoOpMetrics{},
		prefetch: 1,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(cfg)
	}

	ch, err := conn.Channel(ctx)
	if err != nil {
		return nil, &TransportError{Op: "open channel", Err: err, Timestamp: time.Now()}
	}

	if err := ch.SetPrefetch(cfg.prefetch); err != nil {
		ch.Close()
		return nil, &TransportError{Op: "set prefetch", Err: err, Timestamp: time.Now()}
	}

	q, err := ch.DeclareQueue(ctx, QueueOptions{
		Name:       cfg.replyQueue,
		Exclusive:  true,
		AutoDelete: true,
	})
	if err != nil {
		ch.Close()
		return nil, &TransportError{Op: "declare reply queue", Queue: cfg.replyQueue, Err: err, Timestamp: time.Now()}
	}

	replies, err := ch.Consume(ctx, q.Name, ConsumeOptions{
		Tag:       "rabbitrpc-reply-" + uuid.New().String(),
		AutoAck:   true,
		Exclusive: true,
	})
	if err != nil {
		ch.Close()
		return nil, &TransportError{Op: "consume reply queue", Queue: q.Name, Err: err, Timestamp: time.Now()}
	}

	c := &RPCClient{
		ch:           ch,
		tracker:      NewCorrelationTracker(),
		replyQueue:   q.Name,
		logger:       cfg.logger,
		metrics:      cfg.metrics,
		timeout:      cfg.timeout,
		newID:        cfg.newID,
		closed:       make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}

	go c.dispatchReplies(replies)

	c.logger.Debug("rpc client ready", "replyQueue", c.replyQueue, "prefetch", cfg.prefetch)

	return c, nil
}

// ReplyQueue returns the name of the client's reply queue
func (c *RPCClient) ReplyQueue() string {
	return c.replyQueue
}

// Pending returns the number of calls awaiting replies
func (c *RPCClient) Pending() int {
	return c.tracker.Pending()
}

// Send publishes body to queue without waiting for a reply. The message is
// marked persistent. A missing queue yields a *QueueNotFoundError and nothing
// is published.
func (c *RPCClient) Send(ctx context.Context, queue string, body []byte) (SendResult, error) {
	if err := c.probe(ctx, "send", queue); err != nil {
		c.metrics.RecordSend(queue, outcomeOf(err))
		return SendResult{}, err
	}

	err := c.publish(ctx, queue, Publishing{
		Body:       body,
		MessageID:  uuid.New().String(),
		Persistent: true,
		Timestamp:  time.Now(),
	})
	if err != nil {
		c.metrics.RecordSend(queue, OutcomeTransportError)
		return SendResult{}, &TransportError{Op: "send", Queue: queue, Err: err, Timestamp: time.Now()}
	}

	c.metrics.RecordSend(queue, OutcomeSuccess)
	c.logger.Debug("message sent", "queue", queue, "size", len(body))

	return SendResult{Queue: queue}, nil
}

// Call publishes body to queue and blocks until the matching reply arrives,
// the configured call timeout elapses or ctx is done
func (c *RPCClient) Call(ctx context.Context, queue string, body []byte) ([]byte, error) {
	start := time.Now()

	reply, err := c.call(ctx, queue, body)
	c.metrics.RecordCall(queue, outcomeOf(err), time.Since(start))

	return reply, err
}

func (c *RPCClient) call(ctx context.Context, queue string, body []byte) ([]byte, error) {
	if err := c.probe(ctx, "call", queue); err != nil {
		return nil, err
	}

	correlationID := c.newID()
	pending, err := c.tracker.Begin(correlationID)
	if err != nil {
		return nil, err
	}

	err = c.publish(ctx, queue, Publishing{
		Body:          body,
		CorrelationID: correlationID,
		ReplyTo:       c.replyQueue,
		Timestamp:     time.Now(),
	})
	if err != nil {
		c.tracker.Forget(correlationID)
		return nil, &TransportError{Op: "call", Queue: queue, Err: err, Timestamp: time.Now()}
	}

	reply, err := c.tracker.Await(ctx, pending, c.timeout)
	if err != nil {
		c.logger.Warn("call ended without reply",
			"queue", queue,
			"correlationId", correlationID,
			"error", err,
		)
		return nil, err
	}

	return reply, nil
}

// DeclareQueue declares a queue on the client's channel
func (c *RPCClient) DeclareQueue(ctx context.Context, options QueueOptions) (QueueInfo, error) {
	c.chMu.Lock()
	defer c.chMu.Unlock()

	if c.isClosed() {
		return QueueInfo{}, ErrClientClosed
	}

	info, err := c.ch.DeclareQueue(ctx, options)
	if err != nil {
		if options.Passive && IsQueueNotFound(err) {
			return QueueInfo{}, &QueueNotFoundError{Op: "declare queue", Queue: options.Name, Err: err}
		}
		return QueueInfo{}, &TransportError{Op: "declare queue", Queue: options.Name, Err: err, Timestamp: time.Now()}
	}
	return info, nil
}

// DeclareExchange declares an exchange on the client's channel
func (c *RPCClient) DeclareExchange(ctx context.Context, options ExchangeOptions) error {
	if options.Kind == "" {
		options.Kind = "direct"
	}

	c.chMu.Lock()
	defer c.chMu.Unlock()

	if c.isClosed() {
		return ErrClientClosed
	}

	if err := c.ch.DeclareExchange(ctx, options); err != nil {
		return &TransportError{Op: "declare exchange " + options.Name, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// DeleteQueue deletes a queue and returns the number of purged messages
func (c *RPCClient) DeleteQueue(ctx context.Context, name string) (int, error) {
	c.chMu.Lock()
	defer c.chMu.Unlock()

	if c.isClosed() {
		return 0, ErrClientClosed
	}

	purged, err := c.ch.DeleteQueue(ctx, name)
	if err != nil {
		return 0, &TransportError{Op: "delete queue", Queue: name, Err: err, Timestamp: time.Now()}
	}
	return purged, nil
}

// Close closes the client's channel and fails calls still waiting for a
// reply. It is safe to call more than once.
func (c *RPCClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.chMu.Lock()
		close(c.closed)
		c.tracker.Close(ErrClientClosed)
		err = c.ch.Close()
		c.chMu.Unlock()

		<-c.dispatchDone
	})
	return err
}

func (c *RPCClient) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// probe checks that queue exists without creating it
func (c *RPCClient) probe(ctx context.Context, op, queue string) error {
	if queue == "" {
		return ErrEmptyQueueName
	}

	c.chMu.Lock()
	defer c.chMu.Unlock()

	if c.isClosed() {
		return ErrClientClosed
	}

	_, err := c.ch.DeclareQueue(ctx, QueueOptions{Name: queue, Passive: true})
	if err == nil {
		return nil
	}
	if IsQueueNotFound(err) {
		c.logger.Info("target queue not found", "op", op, "queue", queue)
		return &QueueNotFoundError{Op: op, Queue: queue, Err: err}
	}
	return &TransportError{Op: op + " probe", Queue: queue, Err: err, Timestamp: time.Now()}
}

func (c *RPCClient) publish(ctx context.Context, queue string, msg Publishing) error {
	c.chMu.Lock()
	defer c.chMu.Unlock()

	if c.isClosed() {
		return ErrClientClosed
	}
	return c.ch.Publish(ctx, DefaultExchange, queue, msg)
}

// dispatchReplies feeds every reply delivery to the tracker until the reply
// stream ends
func (c *RPCClient) dispatchReplies(replies <-chan Delivery) {
	defer close(c.dispatchDone)

	for delivery := range replies {
		if c.tracker.Deliver(delivery.CorrelationID, delivery.Body) {
			continue
		}
		c.metrics.RecordDroppedReply()
		c.logger.Debug("dropping reply with no pending call",
			"replyQueue", c.replyQueue,
			"correlationId", delivery.CorrelationID,
		)
	}

	if !c.isClosed() {
		c.logger.Warn("reply stream closed", "replyQueue", c.replyQueue)
	}
	c.tracker.Close(ErrDeliveriesClosed)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case IsQueueNotFound(err):
		return OutcomeQueueNotFound
	case errors.Is(err, ErrCallTimeout):
		return OutcomeTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCancelled
	case errors.Is(err, ErrClientClosed), errors.Is(err, ErrDeliveriesClosed):
		return OutcomeClosed
	default:
		return OutcomeTransportError
	}
}
