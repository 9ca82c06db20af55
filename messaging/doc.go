// Package messaging implements request/reply and work-queue messaging over a
// broker channel.
//
// This package provides:
//   - RPCClient: fire-and-forget Send and blocking Call with replies matched
//     by correlation id on a private, exclusive reply queue
//   - CorrelationTracker: the table of calls awaiting replies
//   - Worker: a consume loop in four variants, replying or not, once or
//     until cancelled
//   - Connection and Channel: the transport contract implemented by
//     transports/rabbitmq and transports/inmemory
//
// Payloads are opaque byte slices. A handler failure leaves its delivery to
// the worker's FailurePolicy and never ends the loop.
//
// Example usage:
//
//	client, err := messaging.NewRPCClient(ctx, conn, messaging.WithCallTimeout(5*time.Second))
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	reply, err := client.Call(ctx, "echo", []byte("ping"))
//
// and on the serving side:
//
//	worker, err := messaging.NewWorker(ctx, conn)
//	err = worker.ReceiveAndReplyContinuous(ctx, "echo", messaging.HandlerFunc(
//		func(ctx context.Context, body []byte) ([]byte, error) {
//			return body, nil
//		}))
package messaging
