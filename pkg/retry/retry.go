package retry

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy defines how to retry an operation
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is a sensible default retry policy
var DefaultPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// OrderPolicy retries an order placement up to three times after the
// initial attempt, backing off 1s, 2s, 4s.
var OrderPolicy = RetryPolicy{
	MaxAttempts:    4,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     4 * time.Second,
}

// IsTransientFunc defines if an error is transient and should be retried
type IsTransientFunc func(error) bool

// Do executes a function with retries according to the policy
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	_, err := DoWithResult(ctx, policy, isTransient, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes a function with retries according to the policy and
// returns its result. Only errors the isTransient func approves are
// retried; the last error is returned once attempts are exhausted.
func DoWithResult[T any](ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() (T, error)) (T, error) {
	var result T
	var err error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		result, err = fn()
		if err == nil {
			return result, nil
		}

		if !isTransient(err) {
			return result, err
		}

		if attempt == policy.MaxAttempts-1 {
			break
		}

		// Calculate jittered backoff: backoff + random(0, 50% of backoff)
		jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
		sleepTime := backoff + jitter

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(sleepTime):
			backoff = minDuration(backoff*2, policy.MaxBackoff)
		}
	}

	return result, err
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
