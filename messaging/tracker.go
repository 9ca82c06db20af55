package messaging

import (
	"context"
	"sync"
	"time"
)

// PendingCall is the result slot of one outstanding request
type PendingCall struct {
	CorrelationID string
	StartedAt     time.Time

	done chan struct{}
	body []byte
	err  error
}

// Done is closed once the call has a reply or has failed
func (p *PendingCall) Done() <-chan struct{} {
	return p.done
}

// CorrelationTracker matches replies arriving on a reply queue to the calls
// waiting for them. Any number of calls may be pending at once; each is
// fulfilled by the first reply carrying its correlation id.
type CorrelationTracker struct {
	mu      sync.Mutex
	pending map[string]*PendingCall
	closed  bool
	cause   error
}

// NewCorrelationTracker creates an empty tracker
func NewCorrelationTracker() *CorrelationTracker {
	return &CorrelationTracker{
		pending: make(map[string]*PendingCall),
	}
}

// Begin registers id as awaiting a reply
func (t *CorrelationTracker) Begin(id string) (*PendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, t.cause
	}
	if _, exists := t.pending[id]; exists {
		return nil, ErrDuplicateCorrelationID
	}

	call := &PendingCall{
		CorrelationID: id,
		StartedAt:     time.Now(),
		done:          make(chan struct{}),
	}
	t.pending[id] = call
	return call, nil
}

// Deliver hands a reply to the call awaiting id. It reports false, and drops
// the reply, when no such call is pending.
func (t *CorrelationTracker) Deliver(id string, body []byte) bool {
	t.mu.Lock()
	call, exists := t.pending[id]
	if exists {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !exists {
		return false
	}

	call.body = body
	close(call.done)
	return true
}

// Await blocks until the call completes. A zero timeout waits without bound.
// The call is no longer pending once Await returns.
func (t *CorrelationTracker) Await(ctx context.Context, call *PendingCall, timeout time.Duration) ([]byte, error) {
	defer t.Forget(call.CorrelationID)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-call.done:
		return call.body, call.err
	case <-expired:
		return nil, ErrCallTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Forget drops id without completing it
func (t *CorrelationTracker) Forget(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Pending returns the number of calls awaiting a reply
func (t *CorrelationTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close fails every pending call with cause and rejects new ones
func (t *CorrelationTracker) Close(cause error) {
	if cause == nil {
		cause = ErrClientClosed
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.cause = cause
	pending := t.pending
	t.pending = make(map[string]*PendingCall)
	t.mu.Unlock()

	for _, call := range pending {
		call.err = cause
		close(call.done)
	}
}
