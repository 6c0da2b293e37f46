package chain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/cowprotocol/watch-tower/internal/logger"
)

// RetryConfig controls exponential backoff for RPC reads.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the initial
	// request.
	MaxAttempts int

	// InitialBackoff is the backoff before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff growth.
	MaxBackoff time.Duration

	// BackoffMultiplier is the exponential growth factor.
	BackoffMultiplier float64
}

// ApplyDefaults sets default values for unset retry fields.
func (r *RetryConfig) ApplyDefaults() {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 5
	}
	if r.InitialBackoff == 0 {
		r.InitialBackoff = time.Second
	}
	if r.MaxBackoff == 0 {
		r.MaxBackoff = 30 * time.Second
	}
	if r.BackoffMultiplier == 0 {
		r.BackoffMultiplier = 2.0
	}
}

// DefaultRetryConfig returns the retry policy used when none is configured.
func DefaultRetryConfig() *RetryConfig {
	cfg := &RetryConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// RetryableError reports whether an error should trigger a retry.
func RetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") {
		return true
	}

	if strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "rate limit") {
		return true
	}

	if strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") {
		return true
	}

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") {
		return true
	}

	return false
}

// Backoff computes the backoff duration for a given attempt with +/-25%
// jitter.
func Backoff(attempt int, cfg *RetryConfig) time.Duration {
	if attempt <= 1 {
		return 0
	}

	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-2))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}

	jitterRange := backoff * 0.25
	backoff += (rand.Float64() * 2 * jitterRange) - jitterRange

	if backoff < 0 {
		backoff = 0
	}

	return time.Duration(backoff)
}

// retryWithBackoff executes fn with exponential backoff retry logic.
// It respects context cancellation and deadlines.
func retryWithBackoff(ctx context.Context, cfg *RetryConfig, log *logger.Logger, operation string, fn func() error) error {
	if cfg == nil {
		return fn()
	}

	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled before attempt %d: %w", attempt, err)
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !RetryableError(err) {
			return err
		}

		if attempt >= cfg.MaxAttempts {
			break
		}

		backoff := Backoff(attempt+1, cfg)
		log.Debugw("retrying operation",
			"operation", operation,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		if backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("context cancelled during backoff (attempt %d/%d): %w",
					attempt, cfg.MaxAttempts, ctx.Err())
			}
		}
	}

	return fmt.Errorf("all %d attempts of %s failed: %w", cfg.MaxAttempts, operation, lastErr)
}
