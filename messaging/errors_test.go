package messaging

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrors(t *testing.T) {
	t.Run("QueueNotFoundError matches the sentinel", func(t *testing.T) {
		cause := errors.New("NOT_FOUND - no queue 'orders'")
		err := fmt.Errorf("wrapped: %w", &QueueNotFoundError{Op: "send", Queue: "orders", Err: cause})

		assert.True(t, IsQueueNotFound(err))
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), `send: queue "orders" not found`)
		assert.False(t, IsTransportError(err))
	})

	t.Run("TransportError unwraps", func(t *testing.T) {
		cause := errors.New("channel closed")
		err := &TransportError{Op: "call", Queue: "orders", Err: cause}

		assert.True(t, IsTransportError(err))
		assert.ErrorIs(t, err, cause)
		assert.False(t, IsQueueNotFound(err))
		assert.Equal(t, "rabbitrpc transport error: call on queue orders failed: channel closed", err.Error())
	})

	t.Run("HandlerError unwraps", func(t *testing.T) {
		cause := errors.New("boom")
		err := &HandlerError{Handler: "echo", Queue: "work", Err: cause}

		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "echo")
	})

	t.Run("outcomeOf labels", func(t *testing.T) {
		assert.Equal(t, OutcomeSuccess, outcomeOf(nil))
		assert.Equal(t, OutcomeQueueNotFound, outcomeOf(&QueueNotFoundError{}))
		assert.Equal(t, OutcomeTimeout, outcomeOf(ErrCallTimeout))
		assert.Equal(t, OutcomeClosed, outcomeOf(ErrClientClosed))
		assert.Equal(t, OutcomeTransportError, outcomeOf(&TransportError{Err: errors.New("x")}))
	})
}
