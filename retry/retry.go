// Package retry holds the backoff policy shared by network callers.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy retries an operation with exponential backoff.
// MaxRetries counts retries after the first attempt, so MaxRetries=3 means up to 4 calls.
type Policy struct {
	MaxRetries int
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Retryable decides whether err deserves another attempt. Nil retries everything
	// except context errors and Permanent errors.
	Retryable func(err error) bool
	// OnRetry is called before sleeping ahead of retry number n (1-based).
	OnRetry func(n int, err error, wait time.Duration)
	// Sleep waits for d or until ctx is done. Tests replace it to skip real waiting.
	Sleep func(ctx context.Context, d time.Duration) error
}

func Default() Policy {
	return Policy{MaxRetries: 3, Initial: time.Second, Max: 30 * time.Second, Multiplier: 2}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Backoff is the wait before retry n (1-based).
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(p.Initial)
	for i := 1; i < n; i++ {
		d *= mult
		if p.Max > 0 && time.Duration(d) >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && time.Duration(d) > p.Max {
		return p.Max
	}
	return time.Duration(d)
}

func (p Policy) retryable(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

// Do calls fn until it succeeds, returns a non-retryable error, retries run out, or ctx ends.
// fn receives the attempt number starting at 1. The returned count is the number of retries made.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) (int, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	retries := 0
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return retries, nil
		}
		if !p.retryable(err) || retries >= p.MaxRetries {
			var perm *permanentError
			if errors.As(err, &perm) {
				err = perm.err
			}
			return retries, err
		}
		retries++
		wait := p.Backoff(retries)
		if p.OnRetry != nil {
			p.OnRetry(retries, err, wait)
		}
		if serr := sleep(ctx, wait); serr != nil {
			return retries, serr
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
