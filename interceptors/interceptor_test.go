package interceptors

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/glimte/rabbitrpc/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, body []byte) ([]byte, error) {
	args := m.Called(ctx, body)
	reply, _ := args.Get(0).([]byte)
	return reply, args.Error(1)
}

// recorder appends its name to a shared trace before and after next
func recorder(name string, trace *[]string) Interceptor {
	return NewInterceptorFunc(name, func(ctx context.Context, body []byte, next messaging.Handler) ([]byte, error) {
		*trace = append(*trace, name+":before")
		reply, err := next.Handle(ctx, body)
		*trace = append(*trace, name+":after")
		return reply, err
	})
}

func TestChain(t *testing.T) {
	t.Run("Empty chain returns the handler", func(t *testing.T) {
		handler := &mockHandler{}
		assert.Same(t, handler, NewChain(nil).Then(handler))
	})

	t.Run("Interceptors run in insertion order", func(t *testing.T) {
		var trace []string
		chain := NewChain(slog.Default()).
			Add(recorder("first", &trace)).
			Add(recorder("second", &trace))

		final := messaging.HandlerFunc(func(_ context.Context, body []byte) ([]byte, error) {
			trace = append(trace, "handler")
			return body, nil
		})

		reply, err := chain.Execute(context.Background(), []byte("ping"), final)
		require.NoError(t, err)
		assert.Equal(t, []byte("ping"), reply)
		assert.Equal(t, []string{
			"first:before", "second:before", "handler", "second:after", "first:after",
		}, trace)
		assert.Equal(t, 2, chain.Len())
	})

	t.Run("Wrapped handler keeps its name", func(t *testing.T) {
		var trace []string
		chain := NewChain(nil).Add(recorder("only", &trace))

		wrapped := chain.Then(messaging.Named("orders", &mockHandler{}))
		assert.Equal(t, "orders", messaging.HandlerName(wrapped))
	})

	t.Run("Interceptor can answer without the handler", func(t *testing.T) {
		handler := &mockHandler{}
		cached := NewInterceptorFunc("cache", func(context.Context, []byte, messaging.Handler) ([]byte, error) {
			return []byte("cached"), nil
		})

		reply, err := NewChain(nil).Add(cached).Execute(context.Background(), []byte("q"), handler)
		require.NoError(t, err)
		assert.Equal(t, []byte("cached"), reply)
		handler.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
		assert.Equal(t, "cache", cached.Name())
	})
}

func TestLoggingInterceptor(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	interceptor := NewLoggingInterceptor(logger)

	handler := &mockHandler{}
	handler.On("Handle", mock.Anything, []byte("ok")).Return([]byte("fine"), nil).Once()
	handler.On("Handle", mock.Anything, []byte("bad")).Return(nil, errors.New("broken")).Once()

	reply, err := interceptor.Intercept(context.Background(), []byte("ok"), handler)
	require.NoError(t, err)
	assert.Equal(t, []byte("fine"), reply)
	assert.Contains(t, buf.String(), "handler completed")
	assert.Contains(t, buf.String(), "replySize=4")

	_, err = interceptor.Intercept(context.Background(), []byte("bad"), handler)
	assert.EqualError(t, err, "broken")
	assert.Contains(t, buf.String(), "handler returned error")

	handler.AssertExpectations(t)
}

func TestTimeoutInterceptor(t *testing.T) {
	t.Run("Fast handler passes through", func(t *testing.T) {
		interceptor := NewTimeoutInterceptor(time.Second)
		reply, err := interceptor.Intercept(context.Background(), []byte("x"),
			messaging.HandlerFunc(func(_ context.Context, body []byte) ([]byte, error) {
				return body, nil
			}))

		require.NoError(t, err)
		assert.Equal(t, []byte("x"), reply)
	})

	t.Run("Slow handler times out", func(t *testing.T) {
		interceptor := NewTimeoutInterceptor(20 * time.Millisecond)
		_, err := interceptor.Intercept(context.Background(), []byte("x"),
			messaging.HandlerFunc(func(ctx context.Context, _ []byte) ([]byte, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}))

		assert.ErrorIs(t, err, ErrHandlerTimeout)
	})

	t.Run("Caller cancellation is reported as such", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		interceptor := NewTimeoutInterceptor(time.Second)
		_, err := interceptor.Intercept(ctx, []byte("x"),
			messaging.HandlerFunc(func(ctx context.Context, _ []byte) ([]byte, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}))

		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("Panic becomes an error", func(t *testing.T) {
		interceptor := NewTimeoutInterceptor(time.Second)
		_, err := interceptor.Intercept(context.Background(), []byte("x"),
			messaging.HandlerFunc(func(context.Context, []byte) ([]byte, error) {
				panic("boom")
			}))

		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
	})
}

func TestBuilder(t *testing.T) {
	chain := NewBuilder(nil).
		WithLogging().
		WithRateLimit(1000, 10).
		WithCircuitBreaker(DefaultBreakerSettings("test", nil)).
		WithTimeout(time.Second).
		WithCustom(NewInterceptorFunc("noop", func(ctx context.Context, body []byte, next messaging.Handler) ([]byte, error) {
			return next.Handle(ctx, body)
		})).
		Build()

	assert.Equal(t, []string{
		"LoggingInterceptor",
		"RateLimitingInterceptor",
		"CircuitBreakerInterceptor",
		"TimeoutInterceptor",
		"noop",
	}, chain.names())

	reply, err := chain.Execute(context.Background(), []byte("hi"),
		messaging.HandlerFunc(func(_ context.Context, body []byte) ([]byte, error) {
			return body, nil
		}))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), reply)
}
