package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailurePolicy(t *testing.T) {
	for _, policy := range []FailurePolicy{FailureLeaveUnacked, FailureRequeue, FailureReject} {
		parsed, err := ParseFailurePolicy(policy.String())
		require.NoError(t, err)
		assert.Equal(t, policy, parsed)
	}

	parsed, err := ParseFailurePolicy("")
	require.NoError(t, err)
	assert.Equal(t, FailureLeaveUnacked, parsed)

	_, err = ParseFailurePolicy("dead-letter")
	assert.Error(t, err)
}

func TestDeliveryStateString(t *testing.T) {
	assert.Equal(t, "handler_failed", StateHandlerFailed.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "state(42)", DeliveryState(42).String())
}

func TestFailedAttempts(t *testing.T) {
	tests := []struct {
		name     string
		delivery Delivery
		counted  int
		want     int
	}{
		{"first delivery", Delivery{}, 0, 0},
		{"redelivered without history", Delivery{Redelivered: true}, 0, 1},
		{"redelivered with local count", Delivery{Redelivered: true}, 3, 3},
		{"quorum counter int64", Delivery{Redelivered: true, Headers: map[string]interface{}{"x-delivery-count": int64(4)}}, 1, 4},
		{"quorum counter int32", Delivery{Headers: map[string]interface{}{"x-delivery-count": int32(2)}}, 0, 2},
		{"unexpected header type", Delivery{Redelivered: true, Headers: map[string]interface{}{"x-delivery-count": "3"}}, 2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &Worker{failures: make(map[string]int)}
			key := messageKey(tt.delivery)
			if tt.counted > 0 {
				w.failures[key] = tt.counted
			}
			assert.Equal(t, tt.want, w.failedAttempts(key, tt.delivery))
		})
	}
}

func TestMessageKey(t *testing.T) {
	t.Run("uses the message id when present", func(t *testing.T) {
		assert.Equal(t, "m-1", messageKey(Delivery{MessageID: "m-1", Body: []byte("x")}))
	})

	t.Run("is stable across redeliveries", func(t *testing.T) {
		first := Delivery{CorrelationID: "c-1", Body: []byte("poison"), Tag: 1}
		again := Delivery{CorrelationID: "c-1", Body: []byte("poison"), Tag: 7, Redelivered: true}
		assert.Equal(t, messageKey(first), messageKey(again))
	})

	t.Run("separates correlation id from body", func(t *testing.T) {
		a := Delivery{CorrelationID: "ab", Body: []byte("c")}
		b := Delivery{CorrelationID: "a", Body: []byte("bc")}
		assert.NotEqual(t, messageKey(a), messageKey(b))
	})
}

func TestModes(t *testing.T) {
	assert.True(t, ModeReceiveAndReplyOnce.Reply && ModeReceiveAndReplyOnce.Once)
	assert.True(t, ModeReceiveAndReplyContinuous.Reply && !ModeReceiveAndReplyContinuous.Once)
	assert.True(t, !ModeConsumeOnce.Reply && ModeConsumeOnce.Once)
	assert.True(t, !ModeConsumeContinuous.Reply && !ModeConsumeContinuous.Once)
}
