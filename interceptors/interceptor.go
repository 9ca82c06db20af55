package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/rabbitrpc/messaging"
)

// ErrHandlerTimeout is returned when a handler outlives its timeout
var ErrHandlerTimeout = errors.New("handler timed out")

// Interceptor runs around a handler
type Interceptor interface {
	// Intercept processes body and calls next to continue the chain
	Intercept(ctx context.Context, body []byte, next messaging.Handler) ([]byte, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, body []byte, next messaging.Handler) ([]byte, error)
}

// NewInterceptorFunc creates a function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, body []byte, next messaging.Handler) ([]byte, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, body []byte, next messaging.Handler) ([]byte, error) {
	return i.fn(ctx, body, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors
type Chain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewChain creates an empty chain
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}

	return &Chain{logger: logger}
}

// Add appends an interceptor to the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors in the chain
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// Execute runs body through the chain and then final
func (c *Chain) Execute(ctx context.Context, body []byte, final messaging.Handler) ([]byte, error) {
	return c.Then(final).Handle(ctx, body)
}

// Then returns final wrapped by the chain. The result keeps final's handler
// name so logs and metrics still identify it.
func (c *Chain) Then(final messaging.Handler) messaging.Handler {
	if len(c.interceptors) == 0 {
		return final
	}

	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = messaging.HandlerFunc(func(ctx context.Context, body []byte) ([]byte, error) {
			return interceptor.Intercept(ctx, body, next)
		})
	}

	c.logger.Debug("interceptor chain built",
		"handler", messaging.HandlerName(final),
		"interceptors", c.names(),
	)

	return messaging.Named(messaging.HandlerName(final), handler)
}

func (c *Chain) names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// LoggingInterceptor logs each handled message with its duration
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, body []byte, next messaging.Handler) ([]byte, error) {
	start := time.Now()

	reply, err := next.Handle(ctx, body)
	duration := time.Since(start)

	if err != nil {
		i.logger.Debug("handler returned error",
			"size", len(body),
			"duration", duration,
			"error", err,
		)
		return nil, err
	}

	i.logger.Debug("handler completed",
		"size", len(body),
		"replySize", len(reply),
		"duration", duration,
	)
	return reply, nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds how long a handler may run
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

type handlerResult struct {
	reply []byte
	err   error
}

// Intercept implements Interceptor. A handler that ignores ctx keeps running
// in the background after the timeout is reported.
func (i *TimeoutInterceptor) Intercept(ctx context.Context, body []byte, next messaging.Handler) ([]byte, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		reply, err := next.Handle(timeoutCtx, body)
		done <- handlerResult{reply: reply, err: err}
	}()

	select {
	case res := <-done:
		return res.reply, res.err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %v", ErrHandlerTimeout, i.timeout)
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// Builder assembles a chain of the built-in interceptors
type Builder struct {
	chain  *Chain
	logger *slog.Logger
}

// NewBuilder creates a builder
func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}

	return &Builder{
		chain:  NewChain(logger),
		logger: logger,
	}
}

// WithLogging adds a logging interceptor
func (b *Builder) WithLogging() *Builder {
	b.chain.Add(NewLoggingInterceptor(b.logger))
	return b
}

// WithTimeout adds a timeout interceptor
func (b *Builder) WithTimeout(timeout time.Duration) *Builder {
	b.chain.Add(NewTimeoutInterceptor(timeout))
	return b
}

// WithRateLimit adds a rate limiting interceptor
func (b *Builder) WithRateLimit(perSecond float64, burst int) *Builder {
	b.chain.Add(NewRateLimitingInterceptor(perSecond, burst))
	return b
}

// WithCircuitBreaker adds a circuit breaker interceptor
func (b *Builder) WithCircuitBreaker(settings CircuitBreakerSettings) *Builder {
	b.chain.Add(NewCircuitBreakerInterceptor(settings))
	return b
}

// WithCustom adds a custom interceptor
func (b *Builder) WithCustom(interceptor Interceptor) *Builder {
	b.chain.Add(interceptor)
	return b
}

// Build returns the assembled chain
func (b *Builder) Build() *Chain {
	return b.chain
}
