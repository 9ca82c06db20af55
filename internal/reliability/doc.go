// Package reliability provides retry policies used when dialing the broker
// and when returning failed deliveries to their queues.
//
// Policies:
//   - ExponentialBackoff: delays grow by a multiplier up to a cap, with optional jitter
//   - FixedDelay: the same delay between every attempt
//   - NoRetry: a single attempt
//
// Errors wrapped with Permanent are never retried.
//
// Example usage:
//
//	policy := reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 5)
//	attempts, err := reliability.Retry(ctx, policy, func() error {
//	    return dial()
//	})
package reliability
