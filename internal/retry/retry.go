// Package retry provides bounded retry with exponential backoff for the
// blocking edges of the pipeline: archive seed reads and result upserts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Policy bounds a retried operation. Backoff doubles after each failed
// attempt up to MaxBackoff.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// permanentError wraps an error that must not be retried.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as non-retryable: Do returns it immediately.
// Used for programming-defect failures such as an identity rejected by
// the results store, where retrying cannot help.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs fn up to MaxAttempts times, sleeping with doubling backoff
// between attempts. It stops early on context cancellation or a
// Permanent error. The returned error wraps the last attempt's error
// when the budget is exhausted.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		log.Printf("[retry] %s attempt %d/%d failed: %v (backing off %v)",
			op, attempt, attempts, lastErr, backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
	return fmt.Errorf("%s: retry budget exhausted after %d attempts: %w", op, attempts, lastErr)
}
