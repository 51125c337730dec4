package registry

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// Backoff describes the retry policy of a refresh: Attempts tries in total,
// the first one immediate, attempt i followed on failure by a wait of
// BaseDelay * 2^(i-1). There is no wait after the last attempt.
type Backoff struct {
	Attempts  int
	BaseDelay time.Duration

	// MaxDelay caps a single wait; zero means no cap.
	MaxDelay time.Duration

	// Sleep waits for d or until ctx is done. Nil leaves the wait to the
	// retry timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (b Backoff) attempts() int {
	if b.Attempts < 1 {
		return 1
	}
	return b.Attempts
}

// policy yields the waits between attempts and stops after the last one.
func (b Backoff) policy() retry.Backoff {
	var next retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		return 0, false
	})
	if b.BaseDelay > 0 {
		next = retry.NewExponential(b.BaseDelay)
		if b.MaxDelay > 0 {
			next = retry.WithCappedDuration(b.MaxDelay, next)
		}
	}
	return retry.WithMaxRetries(uint64(b.attempts()-1), next)
}

// Retry calls fn until it succeeds or the attempts are exhausted, returning
// the last error. onFailure, when set, sees every failed attempt together
// with the wait that follows it (zero after the last one). When ctx ends
// during a wait the returned error wraps both the last failure and the
// context error.
func Retry[T any](ctx context.Context, b Backoff, fn func(ctx context.Context, attempt int) (T, error), onFailure func(attempt int, wait time.Duration, err error)) (T, error) {
	var (
		attempt  int
		lastErr  error
		sleepErr error
	)

	policy := b.policy()
	waits := retry.BackoffFunc(func() (time.Duration, bool) {
		wait, stop := policy.Next()
		if stop {
			wait = 0
		}
		if onFailure != nil {
			onFailure(attempt, wait, lastErr)
		}
		if stop || b.Sleep == nil {
			return wait, stop
		}
		if err := b.Sleep(ctx, wait); err != nil {
			sleepErr = err
			return 0, true
		}
		return 0, false
	})

	v, err := retry.DoValue(ctx, waits, func(ctx context.Context) (T, error) {
		attempt++
		v, err := fn(ctx, attempt)
		if err != nil {
			lastErr = err
			return v, retry.RetryableError(err)
		}
		return v, nil
	})
	if sleepErr != nil {
		err = sleepErr
	}
	if err != nil && lastErr != nil && !errors.Is(err, lastErr) {
		err = errors.Join(lastErr, err)
	}
	return v, err
}
