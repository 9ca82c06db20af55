package inmemory

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/rabbitrpc/messaging"
	"github.com/google/uuid"
)

// Broker is an in-process message broker with the queueing semantics of
// RabbitMQ's default exchange: per-consumer prefetch, manual and automatic
// acknowledgement, exclusive and auto-delete queues, and redelivery of
// unacknowledged messages when their channel closes.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*queue
	exchanges map[string]string
	logger    *slog.Logger
	stats     Stats
	faults    map[Op]error
}

// Stats counts messages passing through the broker
type Stats struct {
	Published  int // Messages accepted by Publish
	Routed     int // Messages placed on a queue
	Unroutable int // Messages dropped for lack of a destination queue
	Acked      int
	Requeued   int
	Discarded  int // Messages nacked without requeue
}

// QueueStats describes the state of one queue
type QueueStats struct {
	Name       string
	Ready      int
	Unacked    int
	Consumers  int
	Exclusive  bool
	AutoDelete bool
	Durable    bool
}

// Op names a broker operation that can be made to fail
type Op string

const (
	OpPublish Op = "publish"
	OpConsume Op = "consume"
	OpAck     Op = "ack"
	OpDeclare Op = "declare"
)

// Option configures the broker
type Option func(*Broker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// NewBroker creates an empty broker
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		queues:    make(map[string]*queue),
		exchanges: make(map[string]string),
		logger:    slog.Default(),
		faults:    make(map[Op]error),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dial opens a new connection to the broker
func (b *Broker) Dial() *Connection {
	return &Connection{
		broker:   b,
		channels: make(map[*Channel]struct{}),
	}
}

// FailNext makes the next call of op on any channel fail with err
func (b *Broker) FailNext(op Op, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[op] = err
}

// Stats returns a snapshot of the broker counters
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Queue returns the state of the named queue
func (b *Broker) Queue(name string) (QueueStats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return QueueStats{}, false
	}
	return q.stats(), true
}

// Queues returns the state of every queue
func (b *Broker) Queues() []QueueStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]QueueStats, 0, len(b.queues))
	for _, q := range b.queues {
		out = append(out, q.stats())
	}
	return out
}

// fault consumes an injected failure for op. Callers hold b.mu.
func (b *Broker) fault(op Op) error {
	err, ok := b.faults[op]
	if !ok {
		return nil
	}
	delete(b.faults, op)
	return err
}

// deleteQueue removes q and cancels its consumers. Callers hold b.mu.
func (b *Broker) deleteQueue(q *queue) int {
	purged := len(q.messages)
	q.deleted = true
	q.messages = nil
	for _, c := range q.consumers {
		c.cancel()
	}
	q.consumers = nil
	delete(b.queues, q.name)
	b.logger.Debug("queue deleted", "queue", q.name, "purged", purged)
	return purged
}

// route places a published message on its destination queue. Callers hold
// b.mu.
func (b *Broker) route(exchange, routingKey string, m *message) error {
	b.stats.Published++

	if exchange != messaging.DefaultExchange {
		if _, ok := b.exchanges[exchange]; !ok {
			return fmt.Errorf("%w: %q", ErrExchangeNotFound, exchange)
		}
		// Exchanges carry no bindings, so nothing is routed through them.
		b.stats.Unroutable++
		return nil
	}

	q, ok := b.queues[routingKey]
	if !ok {
		b.stats.Unroutable++
		b.logger.Debug("message unroutable", "routingKey", routingKey)
		return nil
	}

	b.stats.Routed++
	q.messages = append(q.messages, m)
	q.dispatch()
	return nil
}

func generatedQueueName() string {
	return "amq.gen-" + uuid.New().String()
}

// message is a message at rest in a queue
type message struct {
	pub         messaging.Publishing
	redelivered bool
	deliveries  int
}

// queue is a named FIFO of messages with round-robin consumers
type queue struct {
	name       string
	durable    bool
	exclusive  bool
	autoDelete bool
	quorum     bool
	owner      *Connection
	messages   []*message
	consumers  []*consumer
	next       int
	unacked    int
	deleted    bool
}

func (q *queue) stats() QueueStats {
	return QueueStats{
		Name:       q.name,
		Ready:      len(q.messages),
		Unacked:    q.unacked,
		Consumers:  len(q.consumers),
		Exclusive:  q.exclusive,
		AutoDelete: q.autoDelete,
		Durable:    q.durable,
	}
}

// dispatch hands ready messages to consumers with spare credit
func (q *queue) dispatch() {
	for len(q.messages) > 0 {
		c := q.nextConsumer()
		if c == nil {
			return
		}
		m := q.messages[0]
		q.messages[0] = nil
		q.messages = q.messages[1:]
		c.deliver(q, m)
	}
}

func (q *queue) nextConsumer() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		idx := (q.next + i) % n
		if c := q.consumers[idx]; c.hasCredit() {
			q.next = (idx + 1) % n
			return c
		}
	}
	return nil
}

// requeue returns a message to the head of the queue
func (q *queue) requeue(m *message) {
	m.redelivered = true
	q.messages = append([]*message{m}, q.messages...)
}

// removeConsumer detaches c and reports whether q should be auto-deleted
func (q *queue) removeConsumer(c *consumer) bool {
	for i, existing := range q.consumers {
		if existing == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
	return q.autoDelete && len(q.consumers) == 0
}
