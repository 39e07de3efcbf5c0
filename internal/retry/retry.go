// Package retry implements the exponential-backoff-with-jitter helper
// used to cushion writes to Redis and MongoDB against transient
// network and server errors.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// Strategy describes a bounded exponential backoff schedule.
type Strategy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff before jitter is applied.
	MaxDelay time.Duration
}

// DefaultRetry backs general store writes that aren't on the hot
// completion or status-update path.
var DefaultRetry = Strategy{MaxAttempts: 5, BaseDelay: 250 * time.Millisecond, MaxDelay: 30 * time.Second}

// StatusUpdateRetry backs the high-volume node status write path,
// where a shorter base delay keeps a single stuck execution from
// stalling the consumer for long.
var StatusUpdateRetry = Strategy{MaxAttempts: 6, BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}

// CompletionRetry backs the once-per-execution completion write,
// where correctness matters more than latency, so it tries longer.
var CompletionRetry = Strategy{MaxAttempts: 6, BaseDelay: time.Second, MaxDelay: 30 * time.Second}

// BrokerReconnectRetry backs the broker reconnect loop: a dropped AMQP
// connection should be retried indefinitely rather than give up after
// a handful of attempts, so MaxAttempts is effectively unbounded.
var BrokerReconnectRetry = Strategy{MaxAttempts: 1 << 30, BaseDelay: 250 * time.Millisecond, MaxDelay: 30 * time.Second}

// Operation is a unit of work that a Strategy retries on error.
type Operation func(ctx context.Context, attempt int) error

// Do runs operation under the strategy, retrying on every non-nil
// error until MaxAttempts is exhausted or ctx is cancelled. The final
// error is returned unwrapped so the caller's errors.Is checks still
// work.
func (s Strategy) Do(ctx context.Context, logger *slog.Logger, operation Operation) error {
	var lastErr error

	for attempt := 0; attempt < s.MaxAttempts; attempt++ {
		err := operation(ctx, attempt)
		if err == nil {
			if attempt > 0 {
				logger.Info("operation succeeded after retry", "attempt", attempt)
			}
			return nil
		}

		lastErr = err

		if attempt == s.MaxAttempts-1 {
			logger.Error("operation failed after all retries",
				"attempts", attempt+1,
				"error", err,
			)
			break
		}

		backoff := s.calculateBackoff(attempt)
		logger.Warn("operation failed, retrying",
			"attempt", attempt+1,
			"max_attempts", s.MaxAttempts,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}

	return lastErr
}

// calculateBackoff computes BaseDelay * 2^attempt, capped at MaxDelay,
// then applies up to ±25% jitter to avoid synchronized retries across
// consumers.
func (s Strategy) calculateBackoff(attempt int) time.Duration {
	backoff := float64(s.BaseDelay) * math.Pow(2, float64(attempt))
	if backoff > float64(s.MaxDelay) {
		backoff = float64(s.MaxDelay)
	}

	jitter := backoff * 0.25
	variation := (rand.Float64() * 2 * jitter) - jitter
	return time.Duration(backoff + variation)
}
