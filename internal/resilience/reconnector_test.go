package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall/internal/clock"
	"peercall/internal/domain"
)

func TestRetryState_Delay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{10, 10 * time.Second},
	}
	for _, tt := range tests {
		s := RetryState{Attempt: tt.attempt, MaxAttempts: 20}
		assert.Equal(t, tt.want, s.Delay(), "attempt %d", tt.attempt)
	}
}

func TestRetryState_NextAndExhausted(t *testing.T) {
	s := NewRetryState(2)
	assert.False(t, s.Exhausted())

	s = s.Next()
	assert.Equal(t, 1, s.Attempt)
	assert.False(t, s.Exhausted())

	s = s.Next()
	assert.Equal(t, 2, s.Attempt)
	assert.True(t, s.Exhausted())
}

func TestRun_BackoffSchedule(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	r := NewReconnector(clk, 3)

	var attempts []int
	gen := r.Begin("call-1")
	err := r.Run(context.Background(), "call-1", gen, func(ctx context.Context, callID string, attempt int) error {
		attempts = append(attempts, attempt)
		return errors.New("still down")
	})

	assert.ErrorIs(t, err, domain.ErrRetriesExhausted)
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}, clk.Delays())
}

func TestRun_StopsOnSuccess(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	r := NewReconnector(clk, 3)

	calls := 0
	gen := r.Begin("call-1")
	err := r.Run(context.Background(), "call-1", gen, func(ctx context.Context, callID string, attempt int) error {
		calls++
		if attempt == 2 {
			return nil
		}
		return errors.New("not yet")
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRun_CancelMakesLoopStale(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	r := NewReconnector(clk, 3)

	gen := r.Begin("call-1")
	r.Cancel("call-1")

	err := r.Run(context.Background(), "call-1", gen, func(ctx context.Context, callID string, attempt int) error {
		t.Fatal("stale loop must not attempt")
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrStaleAttempt)
}

func TestRun_NewerGenerationSupersedesOlder(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	r := NewReconnector(clk, 3)

	old := r.Begin("call-1")
	fresh := r.Begin("call-1")

	err := r.Run(context.Background(), "call-1", old, func(ctx context.Context, callID string, attempt int) error {
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrStaleAttempt)

	err = r.Run(context.Background(), "call-1", fresh, func(ctx context.Context, callID string, attempt int) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestRun_ContextCancellation(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	r := NewReconnector(clk, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gen := r.Begin("call-1")
	err := r.Run(ctx, "call-1", gen, func(ctx context.Context, callID string, attempt int) error {
		t.Fatal("canceled loop must not attempt")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_StaleAfterFailedAttempt(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	r := NewReconnector(clk, 3)

	gen := r.Begin("call-1")
	calls := 0
	err := r.Run(context.Background(), "call-1", gen, func(ctx context.Context, callID string, attempt int) error {
		calls++
		r.Cancel(callID)
		return errors.New("connection lost for good")
	})

	assert.ErrorIs(t, err, domain.ErrStaleAttempt)
	assert.Equal(t, 1, calls)
}
