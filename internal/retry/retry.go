// Package retry provides the backoff policy shared by uploads, transcription
// and grading calls.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/pavelanni/speakexam/internal/clock"
)

// Backoff maps a 1-based failed attempt number to the wait before the next attempt.
type Backoff func(attempt int) time.Duration

// Linear waits unit×attempt: 1×unit after the first failure, 2×unit after the second.
func Linear(unit time.Duration) Backoff {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * unit
	}
}

// Policy bounds how an operation is retried.
type Policy struct {
	Name        string
	MaxAttempts int
	Backoff     Backoff
	// Retryable decides whether a failure is transient. Nil means never retry.
	Retryable func(error) bool
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Default returns the three-attempt, one-second linear policy used across the pipeline.
func Default(name string, retryable func(error) bool) Policy {
	return Policy{
		Name:        name,
		MaxAttempts: 3,
		Backoff:     Linear(time.Second),
		Retryable:   retryable,
		Clock:       clock.Real{},
	}
}

// Do runs fn until it succeeds, fails with a non-retryable error, the attempt
// budget is spent, or ctx is done. The last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		zero T
		err  error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var v T
		v, err = fn(ctx, attempt)
		if err == nil {
			return v, nil
		}
		if attempt == maxAttempts || p.Retryable == nil || !p.Retryable(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, err
		}

		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(attempt)
		}
		logger.Warn("retrying after transient failure",
			"op", p.Name, "attempt", attempt, "max_attempts", maxAttempts, "wait", wait, "error", err)
		if !clock.Sleep(clk, wait, ctx.Done()) {
			return zero, err
		}
	}
	return zero, err
}

// IsTransient reports whether err looks like a network or timeout failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
