package messaging_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/glimte/rabbitrpc/messaging"
	"github.com/glimte/rabbitrpc/transports/inmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRPCClient(t *testing.T) {
	t.Run("declares a private reply queue", func(t *testing.T) {
		broker := inmemory.NewBroker()
		client := newClient(t, broker)

		assert.True(t, strings.HasPrefix(client.ReplyQueue(), "amq.gen-"))
		q, ok := broker.Queue(client.ReplyQueue())
		require.True(t, ok)
		assert.True(t, q.Exclusive)
		assert.True(t, q.AutoDelete)
		assert.Equal(t, 1, q.Consumers)
	})

	t.Run("independent clients get distinct reply queues", func(t *testing.T) {
		broker := inmemory.NewBroker()
		a := newClient(t, broker)
		b := newClient(t, broker)

		assert.NotEqual(t, a.ReplyQueue(), b.ReplyQueue())
	})

	t.Run("named reply queue is exclusive to its connection", func(t *testing.T) {
		broker := inmemory.NewBroker()
		client := newClient(t, broker, messaging.WithReplyQueue("billing.replies"))

		assert.Equal(t, "billing.replies", client.ReplyQueue())
		q, ok := broker.Queue("billing.replies")
		require.True(t, ok)
		assert.True(t, q.Exclusive)
		assert.True(t, q.AutoDelete)

		_, err := messaging.NewRPCClient(context.Background(), broker.Dial(), messaging.WithReplyQueue("billing.replies"))
		assert.True(t, messaging.IsTransportError(err))
		assert.ErrorIs(t, err, inmemory.ErrResourceLocked)
	})

	t.Run("named reply queue carries replies", func(t *testing.T) {
		broker := inmemory.NewBroker()
		declareQueue(t, broker, "echo")
		client := newClient(t, broker, messaging.WithReplyQueue("echo.replies"))
		worker := newWorker(t, broker)
		done := runWorker(func() error {
			return worker.ReceiveAndReplyOnce(context.Background(), "echo", echo)
		})

		reply, err := client.Call(context.Background(), "echo", []byte("ping"))
		require.NoError(t, err)
		assert.Equal(t, []byte("ping"), reply)
		require.NoError(t, waitResult(t, done))
	})

	t.Run("nil connection", func(t *testing.T) {
		_, err := messaging.NewRPCClient(context.Background(), nil)
		assert.Error(t, err)
	})

	t.Run("closed connection", func(t *testing.T) {
		conn := inmemory.NewBroker().Dial()
		require.NoError(t, conn.Close())

		_, err := messaging.NewRPCClient(context.Background(), conn)
		assert.True(t, messaging.IsTransportError(err))
	})
}

func TestSend(t *testing.T) {
	ctx := context.Background()

	t.Run("missing queue publishes nothing", func(t *testing.T) {
		broker := inmemory.NewBroker()
		metrics := newRecordingMetrics()
		client := newClient(t, broker, messaging.WithClientMetrics(metrics))

		_, err := client.Send(ctx, "missing", []byte("hello"))
		require.Error(t, err)
		assert.ErrorIs(t, err, messaging.ErrQueueNotFound)

		var notFound *messaging.QueueNotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "missing", notFound.Queue)

		assert.Zero(t, broker.Stats().Published)
		assert.Equal(t, 1, metrics.count(metrics.sends, messaging.OutcomeQueueNotFound))
	})

	t.Run("enqueues on an existing queue", func(t *testing.T) {
		broker := inmemory.NewBroker()
		declareQueue(t, broker, "work")
		client := newClient(t, broker)

		result, err := client.Send(ctx, "work", []byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, "work", result.Queue)

		q, _ := broker.Queue("work")
		assert.Equal(t, 1, q.Ready)
	})

	t.Run("empty queue name", func(t *testing.T) {
		client := newClient(t, inmemory.NewBroker())

		_, err := client.Send(ctx, "", []byte("hello"))
		assert.ErrorIs(t, err, messaging.ErrEmptyQueueName)
	})

	t.Run("publish failure is a transport error", func(t *testing.T) {
		broker := inmemory.NewBroker()
		declareQueue(t, broker, "work")
		client := newClient(t, broker)

		broker.FailNext(inmemory.OpPublish, errors.New("connection reset"))
		_, err := client.Send(ctx, "work", []byte("hello"))
		assert.True(t, messaging.IsTransportError(err))
		assert.False(t, messaging.IsQueueNotFound(err))
	})
}

func TestCall(t *testing.T) {
	ctx := context.Background()

	t.Run("echo", func(t *testing.T) {
		broker := inmemory.NewBroker()
		declareQueue(t, broker, "echo")
		client := newClient(t, broker)
		worker := newWorker(t, broker)

		done := runWorker(func() error {
			return worker.ReceiveAndReplyOnce(ctx, "echo", echo)
		})

		reply, err := client.Call(ctx, "echo", []byte("ping"))
		require.NoError(t, err)
		assert.Equal(t, "ping", string(reply))
		assert.NoError(t, waitResult(t, done))
	})

	t.Run("round-trips exact bytes", func(t *testing.T) {
		broker := inmemory.NewBroker()
		declareQueue(t, broker, "echo")
		client := newClient(t, broker)
		worker := newWorker(t, broker)

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		runWorker(func() error {
			return worker.ReceiveAndReplyContinuous(runCtx, "echo", echo)
		})

		payloads := map[string][]byte{
			"empty":  {},
			"binary": {0x00, 0xff, 0x10, 0x00},
			"1 MiB":  bytes.Repeat([]byte{0xab}, 1<<20),
		}
		for name, payload := range payloads {
			t.Run(name, func(t *testing.T) {
				reply, err := client.Call(ctx, "echo", payload)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(payload, reply))
			})
		}
	})

	t.Run("missing queue", func(t *testing.T) {
		broker := inmemory.NewBroker()
		client := newClient(t, broker)

		_, err := client.Call(ctx, "missing", []byte("ping"))
		assert.ErrorIs(t, err, messaging.ErrQueueNotFound)
		assert.Zero(t, client.Pending())
		assert.Zero(t, broker.Stats().Published)
	})

	t.Run("times out when configured", func(t *testing.T) {
		broker := inmemory.NewBroker()
		declareQueue(t, broker, "slow")
		metrics := newRecordingMetrics()
		client := newClient(t, broker,
			messaging.WithCallTimeout(30*time.Millisecond),
			messaging.WithClientMetrics(metrics))

		_, err := client.Call(ctx, "slow", []byte("ping"))
		assert.ErrorIs(t, err, messaging.ErrCallTimeout)
		assert.Zero(t, client.Pending())
		assert.Equal(t, 1, metrics.count(metrics.calls, messaging.OutcomeTimeout))
	})

	t.Run("honours context cancellation", func(t *testing.T) {
		broker := inmemory.NewBroker()
		declareQueue(t, broker, "slow")
		client := newClient(t, broker)

		cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()

		_, err := client.Call(cctx, "slow", []byte("ping"))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Zero(t, client.Pending())
	})

	t.Run("drops replies with unknown correlation ids", func(t *testing.T) {
		broker := inmemory.NewBroker()
		declareQueue(t, broker, "work")
		metrics := newRecordingMetrics()
		client := newClient(t, broker,
			messaging.WithClientMetrics(metrics),
			messaging.WithCorrelationIDGenerator(func() string { return "call-1" }))

		server, err := broker.Dial().Channel(ctx)
		require.NoError(t, err)
		requests, err := server.Consume(ctx, "work", messaging.ConsumeOptions{AutoAck: true})
		require.NoError(t, err)

		go func() {
			req := <-requests
			_ = server.Publish(ctx, "", req.ReplyTo, messaging.Publishing{Body: []byte("stale"), CorrelationID: "call-0"})
			_ = server.Publish(ctx, "", req.ReplyTo, messaging.Publishing{Body: []byte("no id")})
			_ = server.Publish(ctx, "", req.ReplyTo, messaging.Publishing{Body: []byte("fresh"), CorrelationID: req.CorrelationID})
		}()

		reply, err := client.Call(ctx, "work", []byte("ping"))
		require.NoError(t, err)
		assert.Equal(t, "fresh", string(reply))
		assert.Equal(t, 2, metrics.droppedReplies())
	})

	t.Run("publish failure forgets the call", func(t *testing.T) {
		broker := inmemory.NewBroker()
		declareQueue(t, broker, "work")
		client := newClient(t, broker)

		broker.FailNext(inmemory.OpPublish, errors.New("connection reset"))
		_, err := client.Call(ctx, "work", []byte("ping"))
		assert.True(t, messaging.IsTransportError(err))
		assert.Zero(t, client.Pending())
	})

	t.Run("connection loss fails pending calls", func(t *testing.T) {
		broker := inmemory.NewBroker()
		declareQueue(t, broker, "work")
		conn := broker.Dial()
		client, err := messaging.NewRPCClient(ctx, conn)
		require.NoError(t, err)
		defer client.Close()

		done := runWorker(func() error {
			_, err := client.Call(ctx, "work", []byte("ping"))
			return err
		})
		require.Eventually(t, func() bool { return client.Pending() == 1 }, time.Second, 5*time.Millisecond)

		require.NoError(t, conn.Close())
		assert.ErrorIs(t, waitResult(t, done), messaging.ErrDeliveriesClosed)
	})
}

func TestRPCClientClose(t *testing.T) {
	ctx := context.Background()
	broker := inmemory.NewBroker()
	declareQueue(t, broker, "work")
	client, err := messaging.NewRPCClient(ctx, broker.Dial())
	require.NoError(t, err)
	replyQueue := client.ReplyQueue()

	done := runWorker(func() error {
		_, err := client.Call(ctx, "work", []byte("ping"))
		return err
	})
	require.Eventually(t, func() bool { return client.Pending() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Close())
	assert.ErrorIs(t, waitResult(t, done), messaging.ErrClientClosed)

	t.Run("reply queue is gone", func(t *testing.T) {
		_, ok := broker.Queue(replyQueue)
		assert.False(t, ok)
	})

	t.Run("operations after close fail", func(t *testing.T) {
		_, err := client.Send(ctx, "work", []byte("x"))
		assert.ErrorIs(t, err, messaging.ErrClientClosed)
		_, err = client.Call(ctx, "work", []byte("x"))
		assert.ErrorIs(t, err, messaging.ErrClientClosed)
		_, err = client.DeleteQueue(ctx, "work")
		assert.ErrorIs(t, err, messaging.ErrClientClosed)
	})

	t.Run("Close is idempotent", func(t *testing.T) {
		assert.NoError(t, client.Close())
	})
}

func TestRPCClientTopology(t *testing.T) {
	ctx := context.Background()
	broker := inmemory.NewBroker()
	client := newClient(t, broker)

	info, err := client.DeclareQueue(ctx, messaging.QueueOptions{Name: "orders", Durable: true})
	require.NoError(t, err)
	assert.Equal(t, "orders", info.Name)

	_, err = client.DeclareQueue(ctx, messaging.QueueOptions{Name: "absent", Passive: true})
	assert.ErrorIs(t, err, messaging.ErrQueueNotFound)

	require.NoError(t, client.DeclareExchange(ctx, messaging.ExchangeOptions{Name: "audit"}))

	_, err = client.Send(ctx, "orders", []byte("x"))
	require.NoError(t, err)
	purged, err := client.DeleteQueue(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}
