// Package retry runs an operation with exponential backoff.
//
// It backs worker failover in the upstream pool and serialization-failure
// retries in the Postgres ledger.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// MaxDelay caps a single backoff sleep.
const MaxDelay = 5 * time.Second

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do returns it without another attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Do calls fn until it succeeds, returns a permanent error, ctx ends, or
// maxAttempts calls have been made. fn receives the zero-based attempt.
// The sleep before attempt n is baseDelay*2^(n-1) with ±25% jitter, capped
// at MaxDelay. A permanent error is returned unwrapped.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func(attempt int) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	delay := baseDelay
	var err error
	for attempt := range maxAttempts {
		if err = fn(attempt); err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == maxAttempts-1 {
			break
		}

		t := time.NewTimer(jitter(delay))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}

		delay = min(delay*2, MaxDelay)
	}
	return err
}

// jitter returns d adjusted by a uniform ±25%.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := int64(d / 4)
	if spread == 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread+1))
}
