package messaging

import (
	"context"
	"time"
)

// DefaultExchange is the nameless direct exchange every queue is bound to by
// its own name.
const DefaultExchange = ""

// Connection is a broker connection capable of opening channels.
type Connection interface {
	// Channel opens a new logical channel on the connection
	Channel(ctx context.Context) (Channel, error)

	// Close closes the connection and every channel opened on it
	Close() error

	// IsClosed reports whether the connection has been closed
	IsClosed() bool
}

// Channel is a logical channel on a broker connection. A Channel is not safe
// for concurrent use; callers must give it a single owner at a time.
type Channel interface {
	// DeclareQueue declares a queue. With Passive set it only checks for the
	// queue's existence and fails with ErrQueueNotFound when it is missing.
	DeclareQueue(ctx context.Context, options QueueOptions) (QueueInfo, error)

	// DeclareExchange declares an exchange
	DeclareExchange(ctx context.Context, options ExchangeOptions) error

	// DeleteQueue deletes a queue and returns the number of purged messages
	DeleteQueue(ctx context.Context, name string) (int, error)

	// SetPrefetch limits the number of unacknowledged deliveries per consumer
	SetPrefetch(count int) error

	// Publish sends a message to an exchange
	Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error

	// Consume registers a consumer. Deliveries are received from the returned
	// channel, which is closed when the consumer is cancelled or the channel
	// goes away.
	Consume(ctx context.Context, queue string, options ConsumeOptions) (<-chan Delivery, error)

	// Cancel stops the consumer with the given tag
	Cancel(consumerTag string) error

	// Close closes the channel. Unacknowledged deliveries are returned to
	// their queues by the broker.
	Close() error
}

// QueueOptions defines options for queue declaration
type QueueOptions struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Passive    bool
	Args       map[string]interface{}
}

// QueueInfo describes a declared queue
type QueueInfo struct {
	Name      string
	Messages  int
	Consumers int
}

// ExchangeOptions defines options for exchange declaration
type ExchangeOptions struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Passive    bool
	Args       map[string]interface{}
}

// ConsumeOptions defines options for consumer registration
type ConsumeOptions struct {
	Tag       string
	AutoAck   bool
	Exclusive bool
}

// Publishing is an outbound message
type Publishing struct {
	Body          []byte
	CorrelationID string
	ReplyTo       string
	MessageID     string
	ContentType   string
	Persistent    bool
	Timestamp     time.Time
	Headers       map[string]interface{}
}

// Acknowledger settles deliveries by tag
type Acknowledger interface {
	Ack(tag uint64) error
	Nack(tag uint64, requeue bool) error
}

// Delivery is an inbound message
type Delivery struct {
	Body          []byte
	CorrelationID string
	ReplyTo       string
	MessageID     string
	ContentType   string
	Headers       map[string]interface{}
	Tag           uint64
	Redelivered   bool
	Acknowledger  Acknowledger
}

// Ack acknowledges the delivery
func (d Delivery) Ack() error {
	if d.Acknowledger == nil {
		return ErrNoAcknowledger
	}
	return d.Acknowledger.Ack(d.Tag)
}

// Nack negatively acknowledges the delivery, optionally requeueing it
func (d Delivery) Nack(requeue bool) error {
	if d.Acknowledger == nil {
		return ErrNoAcknowledger
	}
	return d.Acknowledger.Nack(d.Tag, requeue)
}
