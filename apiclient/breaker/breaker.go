// Package breaker implements a three-state circuit breaker guarding
// calls to the remote torrent daemon, plus a linear-backoff retry
// helper layered on top of it.
package breaker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rqbitfuse/rqbitfuse/errs"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// Breaker tracks consecutive failures against a threshold and opens to
// shed load against a daemon that is clearly unhealthy, following the
// same Closed -> Open -> HalfOpen -> Closed cycle.
type Breaker struct {
	mu    sync.RWMutex
	state State

	failureCount atomic.Uint32

	failureThreshold uint32
	timeout          time.Duration
	openedAt         time.Time
}

// New creates a breaker that opens after failureThreshold consecutive
// failures and probes again after timeout has elapsed.
func New(failureThreshold uint32, timeout time.Duration) *Breaker {
	return &Breaker{
		failureThreshold: failureThreshold,
		timeout:          timeout,
	}
}

// CanExecute reports whether a call is currently permitted, flipping
// Open -> HalfOpen once the timeout has elapsed.
func (b *Breaker) CanExecute() bool {
	b.mu.RLock()
	state := b.state
	openedAt := b.openedAt
	b.mu.RUnlock()

	switch state {
	case Closed:
		return true
	case Open:
		if openedAt.IsZero() || time.Since(openedAt) < b.timeout {
			return false
		}
		b.mu.Lock()
		if b.state == Open {
			b.state = HalfOpen
		}
		b.mu.Unlock()
		return true
	default: // HalfOpen
		return true
	}
}

// RecordSuccess resets the failure counter and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.failureCount.Store(0)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Closed {
		b.state = Closed
		b.openedAt = time.Time{}
	}
}

// RecordFailure bumps the failure counter and opens the breaker once
// the threshold is reached, from either Closed or HalfOpen.
func (b *Breaker) RecordFailure() {
	count := b.failureCount.Add(1)
	if count < b.failureThreshold {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Closed || b.state == HalfOpen {
		b.state = Open
		b.openedAt = time.Now()
	}
}

// CurrentState returns the breaker's state.
func (b *Breaker) CurrentState() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// RetryPolicy bounds how many attempts Do makes and the base delay
// between them.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Do runs fn through the breaker, retrying transient failures with a
// linear backoff (base delay times attempt number) driven by
// cenkalti/backoff. Non-transient failures are returned immediately
// without being retried, but still count against the breaker.
func Do(ctx context.Context, b *Breaker, policy RetryPolicy, fn func(ctx context.Context) error) error {
	if !b.CanExecute() {
		return errs.NewNetworkError("circuit breaker is open")
	}

	attempt := 0
	var lastErr error

	operation := func() error {
		attempt++
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		err := fn(ctx)
		if err == nil {
			b.RecordSuccess()
			return nil
		}
		lastErr = err
		b.RecordFailure()

		rerr, ok := errs.As(err)
		if !ok || !rerr.IsTransient() {
			return backoff.Permanent(err)
		}
		if attempt >= policy.MaxAttempts {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := &linearBackoff{base: policy.BaseDelay}
	bounded := backoff.WithMaxRetries(bo, uint64(policy.MaxAttempts-1))
	if err := backoff.Retry(operation, backoff.WithContext(bounded, ctx)); err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}

// linearBackoff implements backoff.BackOff with a "base delay times
// attempt number" shape instead of cenkalti/backoff's built-in
// exponential curve.
type linearBackoff struct {
	base    time.Duration
	attempt int
}

func (l *linearBackoff) NextBackOff() time.Duration {
	l.attempt++
	return l.base * time.Duration(l.attempt)
}

func (l *linearBackoff) Reset() { l.attempt = 0 }
