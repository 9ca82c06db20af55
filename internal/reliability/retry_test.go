package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with correct defaults", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 3, eb.MaxRetries())
		assert.True(t, eb.Jitter)
	})

	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			retry, delay := eb.ShouldRetry(i, errors.New("refused"))
			assert.True(t, retry)
			assert.Greater(t, delay, time.Duration(0))
		}

		retry, delay := eb.ShouldRetry(3, errors.New("refused"))
		assert.False(t, retry)
		assert.Zero(t, delay)
	})

	t.Run("NextDelay grows and caps", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{2, 400 * time.Millisecond},
			{4, 1600 * time.Millisecond},
			{10, 10 * time.Second},
		}
		for _, tt := range tests {
			assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt), "attempt %d", tt.attempt)
		}
	})

	t.Run("jitter stays within fifteen percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, time.Minute, 2.0, 5)

		for i := 0; i < 50; i++ {
			delay := eb.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
		}
	})
}

func TestFixedDelay(t *testing.T) {
	fd := NewFixedDelay(50*time.Millisecond, 2)

	retry, delay := fd.ShouldRetry(0, errors.New("refused"))
	assert.True(t, retry)
	assert.Equal(t, 50*time.Millisecond, delay)

	retry, _ = fd.ShouldRetry(2, errors.New("refused"))
	assert.False(t, retry)

	retry, _ = fd.ShouldRetry(0, Permanent(errors.New("bad credentials")))
	assert.False(t, retry)

	assert.Equal(t, 2, fd.MaxRetries())
	assert.Equal(t, 50*time.Millisecond, fd.NextDelay(7))
}

func TestNoRetry(t *testing.T) {
	retry, delay := NoRetry{}.ShouldRetry(0, errors.New("refused"))
	assert.False(t, retry)
	assert.Zero(t, delay)
	assert.Zero(t, NoRetry{}.MaxRetries())
}

func TestRetry(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		calls := 0
		attempts, err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func() error {
			calls++
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, 1, calls)
	})

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		attempts, err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func() error {
			calls++
			if calls < 3 {
				return errors.New("refused")
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("returns last error when policy gives up", func(t *testing.T) {
		calls := 0
		attempts, err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func() error {
			calls++
			return errors.New("refused")
		})

		require.EqualError(t, err, "refused")
		assert.Equal(t, 3, attempts)
		assert.Equal(t, 3, calls)
	})

	t.Run("nil policy tries once", func(t *testing.T) {
		attempts, err := Retry(context.Background(), nil, func() error {
			return errors.New("refused")
		})

		assert.Error(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("permanent error stops immediately", func(t *testing.T) {
		cause := errors.New("access refused")
		attempts, err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			return Permanent(cause)
		})

		assert.ErrorIs(t, err, cause)
		assert.True(t, IsPermanent(err))
		assert.Equal(t, 1, attempts)
	})

	t.Run("cancelled context stops the wait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())

		attempts, err := Retry(ctx, NewFixedDelay(time.Hour, 5), func() error {
			cancel()
			return errors.New("refused")
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
	})

	t.Run("already cancelled context makes no attempt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		attempts, err := Retry(ctx, NewFixedDelay(time.Millisecond, 5), func() error {
			t.Fatal("fn must not run")
			return nil
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, attempts)
	})
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(errors.New("plain")))

	cause := errors.New("bad vhost")
	err := Permanent(cause)
	assert.Equal(t, "bad vhost", err.Error())
	assert.ErrorIs(t, err, cause)
}
