// Package retry holds the single retry policy used for every transient-prone
// operation: repository fetches, dependency installs, supervisor verification
// and hook invocations.
//
// A Policy runs an operation up to MaxAttempts times with a fixed Delay
// between attempts. When Timeout is set each attempt gets its own deadline
// derived from the caller's context.
//
//	p := retry.Policy{MaxAttempts: 2, Delay: 5 * time.Second, Timeout: 10 * time.Minute}
//	attempts, err := retry.Do(ctx, p, func(ctx context.Context) error {
//	    return fetch(ctx)
//	})
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/hostd/internal/core/domain"
)

// ErrTimeout marks an attempt that ran past the policy's per-attempt timeout.
var ErrTimeout = errors.New("attempt timed out")

// NonRetryableError wraps errors that should not be retried.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to stop further attempts.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Policy describes how an operation is retried.
type Policy struct {
	MaxAttempts int           // Total attempts including the first; values < 1 mean one attempt
	Delay       time.Duration // Fixed wait between attempts
	Timeout     time.Duration // Per-attempt budget; 0 means only the caller's context applies
}

// Once returns a policy that runs the operation a single time.
func Once(timeout time.Duration) Policy {
	return Policy{MaxAttempts: 1, Timeout: timeout}
}

// WithRetries returns a policy with one initial attempt plus n retries.
func WithRetries(n int, delay, timeout time.Duration) Policy {
	if n < 0 {
		n = 0
	}
	return Policy{MaxAttempts: n + 1, Delay: delay, Timeout: timeout}
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are used up, or ctx is done. It returns the number of attempts made.
//
// An attempt that overruns its own deadline fails with a *domain.TimeoutError
// wrapping ErrTimeout, even when fn ignores its context; such an fn is left
// to finish in the background and its result is discarded.
// After the final attempt the last error is returned wrapped with the attempt
// count so errors.As still reaches the original error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) (int, error) {
	_, attempts, err := DoWithResult(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return attempts, err
}

// DoWithResult is Do for operations that produce a value.
func DoWithResult[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := runAttempt(ctx, p.Timeout, fn)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return zero, attempt, err
		}
		if ctx.Err() != nil {
			return zero, attempt, fmt.Errorf("retry cancelled after attempt %d: %w", attempt, lastErr)
		}
		if attempt == maxAttempts {
			break
		}

		if err := sleep(ctx, p.Delay); err != nil {
			return zero, attempt, fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, lastErr)
		}
	}

	if maxAttempts == 1 {
		return zero, 1, lastErr
	}
	return zero, maxAttempts, fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}

// abandonGrace is how long an attempt past its deadline is waited for
// before it is abandoned.
const abandonGrace = 100 * time.Millisecond

type outcome[T any] struct {
	value T
	err   error
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so an abandoned fn can still deliver and exit.
	done := make(chan outcome[T], 1)
	go func() {
		v, err := fn(attemptCtx)
		done <- outcome[T]{value: v, err: err}
	}()

	var zero T
	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return zero, timedOut(timeout, o.err)
		}
		return o.value, o.err
	case <-attemptCtx.Done():
		// An fn that honours ctx returns promptly with a more detailed error.
		grace := time.NewTimer(abandonGrace)
		defer grace.Stop()
		select {
		case o := <-done:
			if o.err != nil {
				if ctx.Err() != nil {
					return zero, o.err
				}
				return zero, timedOut(timeout, o.err)
			}
		case <-grace.C:
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, timedOut(timeout, nil)
	}
}

// timedOut builds the error of an attempt that ran past timeout. A cause that
// is already a *domain.TimeoutError keeps its command detail.
func timedOut(timeout time.Duration, cause error) error {
	te := &domain.TimeoutError{Op: "attempt", Timeout: timeout, Err: ErrTimeout}
	if cause == nil {
		return te
	}
	var inner *domain.TimeoutError
	if errors.As(cause, &inner) {
		return fmt.Errorf("%w: %w", ErrTimeout, cause)
	}
	return fmt.Errorf("%w: %w", te, cause)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
