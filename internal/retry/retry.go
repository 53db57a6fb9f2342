// Package retry provides bounded exponential backoff for external calls.
//
// Retries apply to transient failures only: wrap validation and not-found
// errors with Permanent so they surface immediately.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Policy bounds the retry loop. Zero values fall back to defaults.
type Policy struct {
	Attempts  int           // total attempts including the first (default 3)
	BaseDelay time.Duration // delay before the second attempt (default 2s)
	MaxDelay  time.Duration // backoff ceiling (default 10s)
}

// DefaultPolicy matches the external-call policy used across the service.
var DefaultPolicy = Policy{Attempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks an error as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Do runs op until it succeeds, returns a permanent error, or the attempt
// ceiling is reached. Delays double per attempt: base, 2*base, ... up to max.
func (p Policy) Do(ctx context.Context, name string, op func() error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = DefaultPolicy.Attempts
	}
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultPolicy.BaseDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultPolicy.MaxDelay
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == attempts {
			break
		}
		// Exponential backoff: base, 2*base, 4*base, ...
		delay := base << (attempt - 1)
		if delay > maxDelay {
			delay = maxDelay
		}
		slog.Warn("retrying after transient error", "op", name, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	slog.Error("retry attempts exhausted", "op", name, "attempts", attempts, "error", err)
	return err
}
