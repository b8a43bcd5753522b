// Package resilience recovers failed peer connections with bounded,
// exponentially backed-off reconnection attempts.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"peercall/internal/clock"
	"peercall/internal/domain"
)

const (
	// DefaultMaxAttempts bounds how many reconnects are tried before the
	// call is declared failed.
	DefaultMaxAttempts = 3

	baseDelay = 1 * time.Second
	maxDelay  = 10 * time.Second
)

// RetryState is an immutable snapshot of reconnection progress. Next
// returns a new value rather than mutating the receiver.
type RetryState struct {
	Attempt     int
	MaxAttempts int
}

// NewRetryState returns the initial state with no attempts made.
func NewRetryState(maxAttempts int) RetryState {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return RetryState{MaxAttempts: maxAttempts}
}

// Next returns the state after one more attempt.
func (s RetryState) Next() RetryState {
	return RetryState{Attempt: s.Attempt + 1, MaxAttempts: s.MaxAttempts}
}

// Exhausted reports whether no attempts remain.
func (s RetryState) Exhausted() bool {
	return s.Attempt >= s.MaxAttempts
}

// Delay returns the back-off before this state's most recent attempt:
// 1s, 2s, 4s, ... capped at 10s.
func (s RetryState) Delay() time.Duration {
	if s.Attempt <= 0 {
		return 0
	}
	d := baseDelay << (s.Attempt - 1)
	if d > maxDelay || d <= 0 {
		return maxDelay
	}
	return d
}

// AttemptFunc performs one reconnection attempt for a call.
type AttemptFunc func(ctx context.Context, callID string, attempt int) error

// Reconnector drives retry loops for failed connections. A generation
// counter per call invalidates in-flight loops when the call ends or a
// newer loop starts, so a stale attempt can never touch a call that has
// moved on.
type Reconnector struct {
	clk         clock.Clock
	maxAttempts int

	mu          sync.Mutex
	generations map[string]uint64
}

// NewReconnector creates a Reconnector using the given clock.
func NewReconnector(clk clock.Clock, maxAttempts int) *Reconnector {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Reconnector{
		clk:         clk,
		maxAttempts: maxAttempts,
		generations: make(map[string]uint64),
	}
}

// Begin registers a new retry loop for the call and returns its
// generation token. Any loop holding an older token becomes stale.
func (r *Reconnector) Begin(callID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generations[callID]++
	return r.generations[callID]
}

// Cancel invalidates every outstanding loop for the call.
func (r *Reconnector) Cancel(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generations[callID]++
}

// Forget drops the call's generation record entirely.
func (r *Reconnector) Forget(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.generations, callID)
}

func (r *Reconnector) stale(callID string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generations[callID] != gen
}

// Run executes the retry loop: wait the back-off, check staleness, then
// attempt. It returns nil on the first successful attempt,
// domain.ErrStaleAttempt if the loop was superseded, ctx.Err on
// cancellation, and domain.ErrRetriesExhausted once all attempts fail.
func (r *Reconnector) Run(ctx context.Context, callID string, gen uint64, attempt AttemptFunc) error {
	state := NewRetryState(r.maxAttempts)

	for !state.Exhausted() {
		state = state.Next()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clk.After(state.Delay()):
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if r.stale(callID, gen) {
			return domain.ErrStaleAttempt
		}

		log := logrus.WithFields(logrus.Fields{
			"component": "resilience",
			"call_id":   callID,
			"attempt":   state.Attempt,
			"max":       state.MaxAttempts,
		})
		log.Info("reconnecting")

		err := attempt(ctx, callID, state.Attempt)
		if err == nil {
			log.Info("reconnected")
			return nil
		}
		if r.stale(callID, gen) {
			return domain.ErrStaleAttempt
		}
		log.WithError(err).Warn("reconnect attempt failed")
	}

	return domain.ErrRetriesExhausted
}
