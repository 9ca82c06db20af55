package inmemory

import (
	"context"
	"fmt"
	"sort"

	"github.com/glimte/rabbitrpc/messaging"
	"github.com/google/uuid"
)

var (
	_ messaging.Connection   = (*Connection)(nil)
	_ messaging.Channel      = (*Channel)(nil)
	_ messaging.Acknowledger = (*Channel)(nil)
)

// Connection is a connection to a Broker. It implements messaging.Connection.
type Connection struct {
	broker   *Broker
	channels map[*Channel]struct{}
	closed   bool
}

// Channel implements messaging.Connection
func (c *Connection) Channel(ctx context.Context) (messaging.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, ErrConnectionClosed
	}

	ch := &Channel{
		conn:      c,
		unacked:   make(map[uint64]*unacked),
		consumers: make(map[string]*consumer),
		done:      make(chan struct{}),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

// Close closes every channel and deletes the connection's exclusive queues
func (c *Connection) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	for ch := range c.channels {
		ch.closeLocked()
	}
	for _, q := range b.queues {
		if q.exclusive && q.owner == c {
			b.deleteQueue(q)
		}
	}
	return nil
}

// IsClosed implements messaging.Connection
func (c *Connection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// unacked is a delivery awaiting settlement on a channel
type unacked struct {
	queue    *queue
	message  *message
	consumer *consumer
}

// Channel is a logical channel on a Connection. It implements
// messaging.Channel and settles its own deliveries.
type Channel struct {
	conn      *Connection
	prefetch  int
	nextTag   uint64
	unacked   map[uint64]*unacked
	consumers map[string]*consumer
	done      chan struct{}
	closed    bool
}

func (ch *Channel) broker() *Broker {
	return ch.conn.broker
}

// DeclareQueue implements messaging.Channel
func (ch *Channel) DeclareQueue(ctx context.Context, options messaging.QueueOptions) (messaging.QueueInfo, error) {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return messaging.QueueInfo{}, ErrChannelClosed
	}
	if err := b.fault(OpDeclare); err != nil {
		return messaging.QueueInfo{}, err
	}

	q, exists := b.queues[options.Name]
	if exists && q.exclusive && q.owner != ch.conn {
		return messaging.QueueInfo{}, fmt.Errorf("%w: %q", ErrResourceLocked, options.Name)
	}

	if options.Passive {
		if !exists {
			return messaging.QueueInfo{}, fmt.Errorf("%w: no queue %q", messaging.ErrQueueNotFound, options.Name)
		}
		return queueInfo(q), nil
	}

	if exists {
		if q.durable != options.Durable || q.autoDelete != options.AutoDelete || q.exclusive != options.Exclusive {
			return messaging.QueueInfo{}, fmt.Errorf("%w: queue %q", ErrPreconditionFailed, options.Name)
		}
		return queueInfo(q), nil
	}

	name := options.Name
	if name == "" {
		name = generatedQueueName()
	}
	q = &queue{
		name:       name,
		durable:    options.Durable,
		exclusive:  options.Exclusive,
		autoDelete: options.AutoDelete,
		quorum:     options.Args["x-queue-type"] == "quorum",
	}
	if options.Exclusive {
		q.owner = ch.conn
	}
	b.queues[name] = q
	b.logger.Debug("queue declared", "queue", name, "exclusive", q.exclusive, "autoDelete", q.autoDelete)

	return queueInfo(q), nil
}

// DeclareExchange implements messaging.Channel
func (ch *Channel) DeclareExchange(ctx context.Context, options messaging.ExchangeOptions) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return ErrChannelClosed
	}

	kind, exists := b.exchanges[options.Name]
	if options.Passive {
		if !exists {
			return fmt.Errorf("%w: %q", ErrExchangeNotFound, options.Name)
		}
		return nil
	}
	if exists && kind != options.Kind {
		return fmt.Errorf("%w: exchange %q is %s", ErrPreconditionFailed, options.Name, kind)
	}
	b.exchanges[options.Name] = options.Kind
	return nil
}

// DeleteQueue implements messaging.Channel
func (ch *Channel) DeleteQueue(ctx context.Context, name string) (int, error) {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return 0, ErrChannelClosed
	}

	q, ok := b.queues[name]
	if !ok {
		return 0, nil
	}
	if q.exclusive && q.owner != ch.conn {
		return 0, fmt.Errorf("%w: %q", ErrResourceLocked, name)
	}
	return b.deleteQueue(q), nil
}

// SetPrefetch implements messaging.Channel. The limit applies to consumers
// registered afterwards.
func (ch *Channel) SetPrefetch(count int) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return ErrChannelClosed
	}
	if count < 0 {
		return fmt.Errorf("prefetch count cannot be negative: %d", count)
	}
	ch.prefetch = count
	return nil
}

// Publish implements messaging.Channel
func (ch *Channel) Publish(ctx context.Context, exchange, routingKey string, msg messaging.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return ErrChannelClosed
	}
	if err := b.fault(OpPublish); err != nil {
		return err
	}

	return b.route(exchange, routingKey, &message{pub: clonePublishing(msg)})
}

// Consume implements messaging.Channel
func (ch *Channel) Consume(ctx context.Context, queueName string, options messaging.ConsumeOptions) (<-chan messaging.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, ErrChannelClosed
	}
	if err := b.fault(OpConsume); err != nil {
		return nil, err
	}

	q, ok := b.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("%w: no queue %q", messaging.ErrQueueNotFound, queueName)
	}
	if q.exclusive && q.owner != ch.conn {
		return nil, fmt.Errorf("%w: %q", ErrResourceLocked, queueName)
	}
	for _, existing := range q.consumers {
		if existing.exclusive || options.Exclusive {
			return nil, fmt.Errorf("%w: %q", ErrAccessRefused, queueName)
		}
	}

	tag := options.Tag
	if tag == "" {
		tag = "ctag-" + uuid.New().String()
	}
	if _, dup := ch.consumers[tag]; dup {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateConsumer, tag)
	}

	c := &consumer{
		tag:       tag,
		ch:        ch,
		queue:     q,
		autoAck:   options.AutoAck,
		exclusive: options.Exclusive,
		prefetch:  ch.prefetch,
		out:       make(chan messaging.Delivery),
		wake:      make(chan struct{}, 1),
	}
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	go c.pump()

	q.dispatch()
	return c.out, nil
}

// Cancel implements messaging.Channel. Deliveries already handed to the
// consumer stay unacknowledged on the channel.
func (ch *Channel) Cancel(consumerTag string) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return ErrChannelClosed
	}

	c, ok := ch.consumers[consumerTag]
	if !ok {
		return nil
	}
	ch.detach(c)
	return nil
}

// Close implements messaging.Channel. Unacknowledged deliveries return to
// the head of their queues marked as redelivered.
func (ch *Channel) Close() error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	ch.closeLocked()
	return nil
}

func (ch *Channel) closeLocked() {
	if ch.closed {
		return
	}
	ch.closed = true
	close(ch.done)

	for _, c := range ch.consumers {
		ch.detach(c)
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })

	touched := make(map[*queue]struct{})
	for _, tag := range tags {
		u := ch.unacked[tag]
		delete(ch.unacked, tag)
		u.queue.unacked--
		if u.queue.deleted {
			continue
		}
		u.queue.requeue(u.message)
		ch.broker().stats.Requeued++
		touched[u.queue] = struct{}{}
	}
	for q := range touched {
		q.dispatch()
	}

	delete(ch.conn.channels, ch)
}

// detach cancels c and applies auto-delete. Callers hold the broker lock.
func (ch *Channel) detach(c *consumer) {
	delete(ch.consumers, c.tag)
	c.cancel()
	if c.queue.deleted {
		return
	}
	if c.queue.removeConsumer(c) {
		ch.broker().deleteQueue(c.queue)
	}
}

// Ack implements messaging.Acknowledger
func (ch *Channel) Ack(tag uint64) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return ErrChannelClosed
	}
	if err := b.fault(OpAck); err != nil {
		return err
	}

	u, err := ch.settle(tag)
	if err != nil {
		return err
	}
	b.stats.Acked++
	if !u.queue.deleted {
		u.queue.dispatch()
	}
	return nil
}

// Nack implements messaging.Acknowledger
func (ch *Channel) Nack(tag uint64, requeue bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return ErrChannelClosed
	}

	u, err := ch.settle(tag)
	if err != nil {
		return err
	}
	if u.queue.deleted {
		return nil
	}
	if requeue {
		u.queue.requeue(u.message)
		b.stats.Requeued++
	} else {
		b.stats.Discarded++
	}
	u.queue.dispatch()
	return nil
}

func (ch *Channel) settle(tag uint64) (*unacked, error) {
	u, ok := ch.unacked[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDeliveryTag, tag)
	}
	delete(ch.unacked, tag)
	u.queue.unacked--
	u.consumer.inflight--
	return u, nil
}

// consumer feeds deliveries to its out channel from a pending buffer so the
// broker never blocks on a slow reader
type consumer struct {
	tag       string
	ch        *Channel
	queue     *queue
	autoAck   bool
	exclusive bool
	prefetch  int
	inflight  int
	pending   []messaging.Delivery
	cancelled bool
	out       chan messaging.Delivery
	wake      chan struct{}
}

func (c *consumer) hasCredit() bool {
	return c.autoAck || c.prefetch == 0 || c.inflight < c.prefetch
}

// deliver assigns m to the consumer. Callers hold the broker lock.
func (c *consumer) deliver(q *queue, m *message) {
	c.ch.nextTag++
	tag := c.ch.nextTag
	m.deliveries++

	d := messaging.Delivery{
		Body:          m.pub.Body,
		CorrelationID: m.pub.CorrelationID,
		ReplyTo:       m.pub.ReplyTo,
		MessageID:     m.pub.MessageID,
		ContentType:   m.pub.ContentType,
		Headers:       cloneHeaders(m.pub.Headers),
		Tag:           tag,
		Redelivered:   m.redelivered,
	}
	if q.quorum && m.deliveries > 1 {
		if d.Headers == nil {
			d.Headers = make(map[string]interface{}, 1)
		}
		d.Headers["x-delivery-count"] = int64(m.deliveries - 1)
	}

	if !c.autoAck {
		c.ch.unacked[tag] = &unacked{queue: q, message: m, consumer: c}
		c.inflight++
		q.unacked++
		d.Acknowledger = c.ch
	} else {
		c.ch.broker().stats.Acked++
	}

	c.pending = append(c.pending, d)
	c.signal()
}

// cancel stops new deliveries; already pending ones are still handed out.
// Callers hold the broker lock.
func (c *consumer) cancel() {
	c.cancelled = true
	c.signal()
}

func (c *consumer) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// pump moves pending deliveries to out until the consumer is cancelled and
// drained or its channel closes
func (c *consumer) pump() {
	defer close(c.out)

	b := c.ch.broker()
	for {
		b.mu.Lock()
		if len(c.pending) == 0 {
			cancelled := c.cancelled
			b.mu.Unlock()
			if cancelled {
				return
			}
			select {
			case <-c.wake:
			case <-c.ch.done:
				return
			}
			continue
		}
		d := c.pending[0]
		c.pending = c.pending[1:]
		b.mu.Unlock()

		select {
		case c.out <- d:
		case <-c.ch.done:
			return
		}
	}
}

func queueInfo(q *queue) messaging.QueueInfo {
	return messaging.QueueInfo{
		Name:      q.name,
		Messages:  len(q.messages),
		Consumers: len(q.consumers),
	}
}

func clonePublishing(msg messaging.Publishing) messaging.Publishing {
	if msg.Body != nil {
		body := make([]byte, len(msg.Body))
		copy(body, msg.Body)
		msg.Body = body
	}
	msg.Headers = cloneHeaders(msg.Headers)
	return msg
}

func cloneHeaders(headers map[string]interface{}) map[string]interface{} {
	if headers == nil {
		return nil
	}
	out := make(map[string]interface{}, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}
