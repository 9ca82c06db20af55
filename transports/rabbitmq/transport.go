package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/rabbitrpc/internal/rabbitmq"
	"github.com/glimte/rabbitrpc/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport implements messaging.Connection for RabbitMQ
type Transport struct {
	manager *rabbitmq.ConnectionManager
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// NewTransport creates a new RabbitMQ transport
func NewTransport(connectionString string, options ...TransportOption) (*Transport, error) {
	return Dial(context.Background(), connectionString, options...)
}

// Dial connects to the broker at connectionString. A failure is returned as
// a *rabbitmq.ConnectionError.
func Dial(ctx context.Context, connectionString string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{}
	for _, opt := range options {
		opt(cfg)
	}

	manager := rabbitmq.NewConnectionManager(connectionString, cfg.ConnectionOptions...)
	if err := manager.Connect(ctx); err != nil {
		return nil, err
	}

	return &Transport{manager: manager}, nil
}

// Channel implements messaging.Connection
func (t *Transport) Channel(ctx context.Context) (messaging.Channel, error) {
	ch, err := t.openChannel(ctx)
	if err != nil {
		return nil, err
	}
	return &channel{transport: t, ch: ch, done: make(chan struct{})}, nil
}

// Close implements messaging.Connection
func (t *Transport) Close() error {
	return t.manager.Close()
}

// IsClosed implements messaging.Connection
func (t *Transport) IsClosed() bool {
	return !t.manager.IsConnected()
}

// AddStateListener registers a listener for connection loss
func (t *Transport) AddStateListener(listener rabbitmq.ConnectionStateListener) {
	t.manager.AddStateListener(listener)
}

func (t *Transport) openChannel(ctx context.Context) (*amqp.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := t.manager.GetConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	return ch, nil
}

// channel adapts *amqp.Channel to messaging.Channel
type channel struct {
	transport *Transport
	ch        *amqp.Channel
	done      chan struct{}
	closeOnce sync.Once
}

// DeclareQueue implements messaging.Channel. Passive declares run on a
// throwaway channel because a 404 reply closes the channel it arrives on.
func (c *channel) DeclareQueue(ctx context.Context, options messaging.QueueOptions) (messaging.QueueInfo, error) {
	if !options.Passive {
		q, err := c.ch.QueueDeclare(
			options.Name,
			options.Durable,
			options.AutoDelete,
			options.Exclusive,
			false, // no-wait
			amqp.Table(options.Args),
		)
		if err != nil {
			return messaging.QueueInfo{}, err
		}
		return queueInfo(q), nil
	}

	scratch, err := c.transport.openChannel(ctx)
	if err != nil {
		return messaging.QueueInfo{}, err
	}
	defer scratch.Close()

	q, err := scratch.QueueDeclarePassive(
		options.Name,
		options.Durable,
		options.AutoDelete,
		options.Exclusive,
		false, // no-wait
		amqp.Table(options.Args),
	)
	if err != nil {
		return messaging.QueueInfo{}, passiveError(err)
	}
	return queueInfo(q), nil
}

// DeclareExchange implements messaging.Channel
func (c *channel) DeclareExchange(ctx context.Context, options messaging.ExchangeOptions) error {
	if !options.Passive {
		return c.ch.ExchangeDeclare(
			options.Name,
			options.Kind,
			options.Durable,
			options.AutoDelete,
			options.Internal,
			false, // no-wait
			amqp.Table(options.Args),
		)
	}

	scratch, err := c.transport.openChannel(ctx)
	if err != nil {
		return err
	}
	defer scratch.Close()

	err = scratch.ExchangeDeclarePassive(
		options.Name,
		options.Kind,
		options.Durable,
		options.AutoDelete,
		options.Internal,
		false, // no-wait
		amqp.Table(options.Args),
	)
	if rabbitmq.IsNotFound(err) {
		return fmt.Errorf("exchange %q: %w", options.Name, err)
	}
	return err
}

// DeleteQueue implements messaging.Channel
func (c *channel) DeleteQueue(ctx context.Context, name string) (int, error) {
	return c.ch.QueueDelete(name, false, false, false)
}

// SetPrefetch implements messaging.Channel
func (c *channel) SetPrefetch(count int) error {
	return c.ch.Qos(count, 0, false)
}

// Publish implements messaging.Channel
func (c *channel) Publish(ctx context.Context, exchange, routingKey string, msg messaging.Publishing) error {
	return c.ch.PublishWithContext(ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		toAMQPPublishing(msg),
	)
}

// Consume implements messaging.Channel. The consumer outlives ctx; it ends
// with Cancel or Close.
func (c *channel) Consume(ctx context.Context, queue string, options messaging.ConsumeOptions) (<-chan messaging.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deliveries, err := c.ch.Consume(
		queue,
		options.Tag,
		options.AutoAck,
		options.Exclusive,
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		if rabbitmq.IsNotFound(err) {
			return nil, passiveError(err)
		}
		return nil, err
	}

	out := make(chan messaging.Delivery)
	go func() {
		defer close(out)
		for d := range deliveries {
			select {
			case out <- fromAMQPDelivery(d):
			case <-c.done:
				return
			}
		}
	}()

	return out, nil
}

// Cancel implements messaging.Channel
func (c *channel) Cancel(consumerTag string) error {
	return c.ch.Cancel(consumerTag, false)
}

// Close implements messaging.Channel
func (c *channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ch.Close()
		if err == amqp.ErrClosed {
			err = nil
		}
	})
	return err
}

// acknowledger settles single deliveries on the channel they arrived on
type acknowledger struct {
	ack amqp.Acknowledger
}

func (a acknowledger) Ack(tag uint64) error {
	return a.ack.Ack(tag, false)
}

func (a acknowledger) Nack(tag uint64, requeue bool) error {
	return a.ack.Nack(tag, false, requeue)
}

func passiveError(err error) error {
	if rabbitmq.IsNotFound(err) {
		return fmt.Errorf("%w: %w", messaging.ErrQueueNotFound, err)
	}
	return err
}

func queueInfo(q amqp.Queue) messaging.QueueInfo {
	return messaging.QueueInfo{
		Name:      q.Name,
		Messages:  q.Messages,
		Consumers: q.Consumers,
	}
}

func toAMQPPublishing(msg messaging.Publishing) amqp.Publishing {
	mode := amqp.Transient
	if msg.Persistent {
		mode = amqp.Persistent
	}

	var headers amqp.Table
	if len(msg.Headers) > 0 {
		headers = make(amqp.Table, len(msg.Headers))
		for k, v := range msg.Headers {
			headers[k] = v
		}
	}

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   msg.ContentType,
		DeliveryMode:  mode,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		MessageId:     msg.MessageID,
		Timestamp:     msg.Timestamp,
		Body:          msg.Body,
	}
}

func fromAMQPDelivery(d amqp.Delivery) messaging.Delivery {
	var headers map[string]interface{}
	if len(d.Headers) > 0 {
		headers = make(map[string]interface{}, len(d.Headers))
		for k, v := range d.Headers {
			headers[k] = v
		}
	}

	delivery := messaging.Delivery{
		Body:          d.Body,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		MessageID:     d.MessageId,
		ContentType:   d.ContentType,
		Headers:       headers,
		Tag:           d.DeliveryTag,
		Redelivered:   d.Redelivered,
	}
	if d.Acknowledger != nil {
		delivery.Acknowledger = acknowledger{ack: d.Acknowledger}
	}
	return delivery
}
