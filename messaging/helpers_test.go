package messaging_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glimte/rabbitrpc/messaging"
	"github.com/glimte/rabbitrpc/transports/inmemory"
	"github.com/stretchr/testify/require"
)

// recordingMetrics captures what the client and worker report
type recordingMetrics struct {
	mu         sync.Mutex
	sends      map[string]int
	calls      map[string]int
	deliveries map[string]int
	dropped    int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		sends:      make(map[string]int),
		calls:      make(map[string]int),
		deliveries: make(map[string]int),
	}
}

func (r *recordingMetrics) RecordSend(queue, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends[outcome]++
}

func (r *recordingMetrics) RecordCall(queue, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[outcome]++
}

func (r *recordingMetrics) RecordDelivery(queue, handler, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries[outcome]++
}

func (r *recordingMetrics) RecordDroppedReply() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped++
}

func (r *recordingMetrics) count(m map[string]int, outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return m[outcome]
}

func (r *recordingMetrics) droppedReplies() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func declareQueue(t *testing.T, broker *inmemory.Broker, name string) {
	t.Helper()
	ch, err := broker.Dial().Channel(context.Background())
	require.NoError(t, err)
	_, err = ch.DeclareQueue(context.Background(), messaging.QueueOptions{Name: name, Durable: true})
	require.NoError(t, err)
}

func newClient(t *testing.T, broker *inmemory.Broker, opts ...messaging.ClientOption) *messaging.RPCClient {
	t.Helper()
	client, err := messaging.NewRPCClient(context.Background(), broker.Dial(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func newWorker(t *testing.T, broker *inmemory.Broker, opts ...messaging.WorkerOption) *messaging.Worker {
	t.Helper()
	worker, err := messaging.NewWorker(context.Background(), broker.Dial(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { worker.Close() })
	return worker
}

// runWorker runs fn in the background and returns a channel with its result
func runWorker(fn func() error) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	return done
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not return")
		return nil
	}
}

var echo = messaging.Named("echo", messaging.HandlerFunc(func(_ context.Context, body []byte) ([]byte, error) {
	return body, nil
}))
