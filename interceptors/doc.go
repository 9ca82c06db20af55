// Package interceptors wraps worker handlers with cross-cutting behaviour.
//
// An Interceptor sees the request body before the handler does and the
// reply or error after it. A Chain applies interceptors in the order they
// were added, the first one outermost:
//
//	handler := interceptors.NewBuilder(logger).
//		WithLogging().
//		WithRateLimit(50, 10).
//		WithCircuitBreaker(interceptors.DefaultBreakerSettings("orders", logger)).
//		WithTimeout(5 * time.Second).
//		Build().
//		Then(ordersHandler)
//
//	err := worker.ReceiveAndReplyContinuous(ctx, "orders", handler)
//
// Errors returned by an interceptor are handler failures to the worker and
// are settled by its failure policy.
package interceptors
