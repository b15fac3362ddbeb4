// Package retry provides exponential-backoff retry for transient connection
// failures, adapted from the teacher's resilience.WithRetry down to the one
// concern the orchestrator's own recovery state machine (internal/orchestrator)
// does not already own: reconnecting after a dropped or momentarily
// unavailable database connection. FK-violation and duplicate-key recovery
// are domain business logic and stay in internal/orchestrator.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/rowsync/replicator/internal/metrics"
)

// Policy configures backoff behaviour for one retried operation.
type Policy struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// Multiplier is the exponential backoff factor.
	Multiplier float64

	// Jitter adds up to 10% random jitter to each delay after the first
	// (BaseDelay itself is used as is); it is added after the MaxDelay cap.
	Jitter bool

	// ShouldRetry decides whether err is worth retrying. If nil, every
	// non-nil error is retried (use dbconn.IsRetryable for connection work).
	ShouldRetry func(err error) bool

	// Logger receives retry/backoff events. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics records attempt/backoff counters, if set.
	Metrics *metrics.RetryMetrics

	// OperationName labels metrics and log lines.
	OperationName string
}

// DefaultPolicy returns the connection-retry defaults: 3 retries, 100ms base
// delay doubling up to 5s, with jitter.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Do runs operation, retrying according to policy until it succeeds, a
// non-retryable error is returned, retries are exhausted, or ctx is
// cancelled during a backoff wait.
func Do(ctx context.Context, policy *Policy, operation func() error) error {
	if policy == nil {
		policy = DefaultPolicy()
	}
	logger := policy.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opName := policy.OperationName
	if opName == "" {
		opName = "unknown"
	}

	var lastErr error
	delay := policy.BaseDelay

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		attemptStart := time.Now()
		err := operation()
		attemptDuration := time.Since(attemptStart).Seconds()

		if err == nil {
			if attempt > 0 {
				logger.Info("retry: operation succeeded after retry", "operation", opName, "attempt", attempt+1)
			}
			policy.Metrics.RecordAttempt(opName, "success", attemptDuration)
			policy.Metrics.RecordFinalAttempt(opName, "success", attempt+1)
			return nil
		}
		lastErr = err

		if !shouldRetry(err, policy.ShouldRetry) {
			logger.Debug("retry: non-retryable error, stopping", "operation", opName, "attempt", attempt+1, "error", err)
			policy.Metrics.RecordAttempt(opName, "failure", attemptDuration)
			policy.Metrics.RecordFinalAttempt(opName, "failure", attempt+1)
			return lastErr
		}
		policy.Metrics.RecordAttempt(opName, "failure", attemptDuration)

		if attempt >= policy.MaxRetries {
			logger.Error("retry: exhausted all attempts", "operation", opName, "max_retries", policy.MaxRetries, "error", lastErr)
			policy.Metrics.RecordFinalAttempt(opName, "failure", attempt+1)
			break
		}

		logger.Warn("retry: attempt failed, backing off", "operation", opName, "attempt", attempt+1, "delay", delay, "error", err)
		policy.Metrics.RecordBackoff(opName, delay.Seconds())

		if !waitWithContext(ctx, delay) {
			logger.Debug("retry: context cancelled during backoff", "operation", opName, "attempt", attempt+1)
			policy.Metrics.RecordFinalAttempt(opName, "cancelled", attempt+1)
			return ctx.Err()
		}
		delay = nextDelay(delay, policy)
	}

	return fmt.Errorf("retry: %s failed after %d attempts: %w: %w", opName, policy.MaxRetries+1, ErrRetriesExhausted, lastErr)
}

func shouldRetry(err error, check func(error) bool) bool {
	if err == nil {
		return false
	}
	if check != nil {
		return check(err)
	}
	return true
}

func waitWithContext(ctx context.Context, delay time.Duration) bool {
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextDelay(current time.Duration, policy *Policy) time.Duration {
	next := time.Duration(float64(current) * policy.Multiplier)
	if next > policy.MaxDelay {
		next = policy.MaxDelay
	}
	if policy.Jitter {
		next += time.Duration(float64(next) * 0.1 * rand.Float64())
	}
	return next
}

// ErrRetriesExhausted is returned wrapped by Do's final error; kept for
// callers that want errors.Is rather than string matching.
var ErrRetriesExhausted = errors.New("retry: retries exhausted")
