package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rqbitfuse/rqbitfuse/errs"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New(3, 50*time.Millisecond)
	assert.Equal(t, Closed, b.CurrentState())

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, Closed, b.CurrentState())
	assert.True(t, b.CanExecute())

	b.RecordFailure()
	assert.Equal(t, Open, b.CurrentState())
	assert.False(t, b.CanExecute())
}

func TestBreakerHalfOpenAfterTimeout(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	b.RecordFailure()
	require.Equal(t, Open, b.CurrentState())
	require.False(t, b.CanExecute())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.CanExecute())
	assert.Equal(t, HalfOpen, b.CurrentState())
}

func TestBreakerRecordSuccessCloses(t *testing.T) {
	b := New(1, time.Second)
	b.RecordFailure()
	require.Equal(t, Open, b.CurrentState())

	b.RecordSuccess()
	assert.Equal(t, Closed, b.CurrentState())
	assert.True(t, b.CanExecute())
}

func TestDoRetriesTransientErrors(t *testing.T) {
	b := New(10, time.Second)
	calls := 0
	err := Do(context.Background(), b, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errs.NewTimedOut("slow daemon")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonTransientError(t *testing.T) {
	b := New(10, time.Second)
	calls := 0
	err := Do(context.Background(), b, RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return errs.NewNotFound("gone")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	b := New(10, time.Second)
	calls := 0
	err := Do(context.Background(), b, RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return errs.NewNetworkError("down")
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}
