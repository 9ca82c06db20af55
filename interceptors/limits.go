package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/rabbitrpc/messaging"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// RateLimitingInterceptor paces handler invocations with a token bucket.
// Messages wait for a token rather than fail.
type RateLimitingInterceptor struct {
	limiter *rate.Limiter
}

// NewRateLimitingInterceptor allows perSecond handler calls with bursts of
// up to burst
func NewRateLimitingInterceptor(perSecond float64, burst int) *RateLimitingInterceptor {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitingInterceptor{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Intercept implements Interceptor
func (i *RateLimitingInterceptor) Intercept(ctx context.Context, body []byte, next messaging.Handler) ([]byte, error) {
	if err := i.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return next.Handle(ctx, body)
}

// Name implements Interceptor
func (i *RateLimitingInterceptor) Name() string {
	return "RateLimitingInterceptor"
}

// CircuitBreakerSettings configures a CircuitBreakerInterceptor
type CircuitBreakerSettings = gobreaker.Settings

// DefaultBreakerSettings trips after at least three calls of which 60% or
// more failed, and probes again after thirty seconds
func DefaultBreakerSettings(name string, logger *slog.Logger) CircuitBreakerSettings {
	if logger == nil {
		logger = slog.Default()
	}

	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}
}

// CircuitBreakerInterceptor stops calling a failing handler until it has had
// time to recover. While open, messages fail with gobreaker.ErrOpenState.
type CircuitBreakerInterceptor struct {
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreakerInterceptor creates a circuit breaker interceptor
func NewCircuitBreakerInterceptor(settings CircuitBreakerSettings) *CircuitBreakerInterceptor {
	return &CircuitBreakerInterceptor{
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Intercept implements Interceptor
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, body []byte, next messaging.Handler) ([]byte, error) {
	result, err := i.breaker.Execute(func() (interface{}, error) {
		return next.Handle(ctx, body)
	})
	if err != nil {
		return nil, err
	}

	reply, _ := result.([]byte)
	return reply, nil
}

// State returns the breaker state
func (i *CircuitBreakerInterceptor) State() gobreaker.State {
	return i.breaker.State()
}

// Name implements Interceptor
func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}
