package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cowprotocol/watch-tower/internal/logger"
	"github.com/stretchr/testify/require"
)

func TestRetryableError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("connection refused"), true},
		{errors.New("context deadline exceeded"), true},
		{errors.New("429 Too Many Requests"), true},
		{errors.New("503 Service Unavailable"), true},
		{errors.New("invalid argument"), false},
		{errors.New("execution reverted"), false},
	}

	for _, tc := range cases {
		require.Equal(t, tc.want, RetryableError(tc.err), "error: %v", tc.err)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := &RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        400 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}

	require.Equal(t, time.Duration(0), Backoff(1, cfg))

	// jitter is +/-25%, so bound rather than pin
	b2 := Backoff(2, cfg)
	require.GreaterOrEqual(t, b2, 75*time.Millisecond)
	require.LessOrEqual(t, b2, 125*time.Millisecond)

	b5 := Backoff(5, cfg)
	require.LessOrEqual(t, b5, 500*time.Millisecond)
}

func TestRetryWithBackoffStopsOnNonRetryable(t *testing.T) {
	cfg := DefaultRetryConfig()
	calls := 0

	err := retryWithBackoff(context.Background(), cfg, logger.NewNopLogger(), "test", func() error {
		calls++
		return errors.New("execution reverted")
	})

	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestRetryWithBackoffRetriesTransient(t *testing.T) {
	cfg := &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
	calls := 0

	err := retryWithBackoff(context.Background(), cfg, logger.NewNopLogger(), "test", func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryWithBackoffExhaustsAttempts(t *testing.T) {
	cfg := &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
	calls := 0

	err := retryWithBackoff(context.Background(), cfg, logger.NewNopLogger(), "test", func() error {
		calls++
		return errors.New("connection refused")
	})

	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryWithBackoffRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retryWithBackoff(ctx, DefaultRetryConfig(), logger.NewNopLogger(), "test", func() error {
		return errors.New("should not be called")
	})

	require.ErrorIs(t, err, context.Canceled)
}
