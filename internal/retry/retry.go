// Package retry runs idempotent operations under an explicit attempt policy.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy bounds how an operation is retried. Backoff returns the wait before
// the given zero-based attempt; it is never consulted for attempt 0.
type Policy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// Linear waits attempt × step before each retry (0, step, 2×step, ...).
func Linear(step time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * step
	}
}

// ExhaustedError is returned when every attempt failed, or when the wait
// before the next attempt was interrupted. Last is always the most recent
// operation error.
type ExhaustedError struct {
	Attempts    int
	Last        error
	Interrupted error
}

func (e *ExhaustedError) Error() string {
	if e.Interrupted != nil {
		return fmt.Sprintf("retry: stopped after %d attempts (%v): %v", e.Attempts, e.Interrupted, e.Last)
	}
	return fmt.Sprintf("retry: all %d attempts failed: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	if e.Interrupted == nil {
		return []error{e.Last}
	}
	return []error{e.Last, e.Interrupted}
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Do calls op until it succeeds or the policy is exhausted. Attempts run
// sequentially; op receives the zero-based attempt index.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) error {
	return DoWithSleeper(ctx, p, SleepContext, op)
}

// DoWithSleeper is Do with an injectable wait, used to observe backoff.
func DoWithSleeper(ctx context.Context, p Policy, sleep Sleeper, op func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && p.Backoff != nil {
			if d := p.Backoff(attempt); d > 0 {
				if err := sleep(ctx, d); err != nil {
					return &ExhaustedError{Attempts: attempt, Last: last, Interrupted: err}
				}
			}
		}
		if last = op(ctx, attempt); last == nil {
			return nil
		}
	}
	return &ExhaustedError{Attempts: attempts, Last: last}
}

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
