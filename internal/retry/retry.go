// Package retry provides an explicit retry policy applied at each remote-call
// site: a bounded attempt count, exponential backoff between a floor and a
// ceiling, and a predicate selecting which failures are retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Policy configures retry behavior. The zero value performs a single attempt.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// MinWait is the wait after the first failed attempt.
	MinWait time.Duration
	// MaxWait caps every wait.
	MaxWait time.Duration
	// Multiplier is the growth factor between waits (default 2).
	Multiplier float64
	// Retryable decides whether err may be retried. Nil retries every error.
	Retryable func(err error) bool
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Backoff returns the wait after the given zero-based failed attempt:
// min(MinWait * Multiplier^attempt, MaxWait). Waits never decrease as
// attempt grows.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	wait := float64(p.MinWait) * math.Pow(mult, float64(attempt))
	if p.MaxWait > 0 && (wait > float64(p.MaxWait) || math.IsInf(wait, 1)) {
		return p.MaxWait
	}
	return time.Duration(wait)
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// retryable reports whether err may be retried. A deadline set on a single
// attempt is retried; the caller's own context is checked separately in DoVal.
func (p Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// Do runs fn until it succeeds, the error is not retryable, attempts run
// out, or ctx is done. An error wrapping context.DeadlineExceeded is retried
// while ctx itself is still live.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for functions that return a value.
func DoVal[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	maxAttempts := p.attempts()
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("retry canceled after %d attempts: %w", attempt, lastErr)
			}
			return zero, fmt.Errorf("retry canceled: %w", err)
		}
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, fmt.Errorf("retry canceled after %d attempts: %w", attempt+1, unwrapPermanent(err))
		}
		if !p.retryable(err) {
			return zero, unwrapPermanent(err)
		}
		if attempt == maxAttempts-1 {
			break
		}
		wait := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, wait)
		}
		if err := Sleep(ctx, wait); err != nil {
			return zero, fmt.Errorf("retry canceled after %d attempts: %w", attempt+1, lastErr)
		}
	}
	return zero, fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable regardless of the policy predicate.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func unwrapPermanent(err error) error {
	var perm *permanentError
	if errors.As(err, &perm) {
		return perm.err
	}
	return err
}
