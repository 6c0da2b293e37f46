package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/require"

	"github.com/cowprotocol/watch-tower/internal/logger"
	"github.com/cowprotocol/watch-tower/internal/registry"
	"github.com/cowprotocol/watch-tower/internal/store"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	s, err := store.Open(t.TempDir(), logger.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	reg, err := registry.Load(s, "mainnet", logger.NewNopLogger())
	require.NoError(t, err)
	return reg
}

func capturingNotifier(posted *int) *SlackNotifier {
	n := NewSlackNotifier("https://hooks.example.com/T000/B000", 0, logger.NewNopLogger())
	n.post = func(context.Context, string, *slack.WebhookMessage) error {
		*posted++
		return nil
	}
	return n
}

func TestNotifyErrorPostsAndRecordsTimestamp(t *testing.T) {
	reg := testRegistry(t)
	var posted int
	n := capturingNotifier(&posted)

	n.NotifyError(context.Background(), reg, errors.New("stalled"))

	require.Equal(t, 1, posted)
	require.NotNil(t, reg.LastNotifiedError())
}

func TestNotifyErrorThrottles(t *testing.T) {
	reg := testRegistry(t)
	var posted int
	n := capturingNotifier(&posted)

	n.NotifyError(context.Background(), reg, errors.New("stalled"))
	n.NotifyError(context.Background(), reg, errors.New("stalled again"))
	require.Equal(t, 1, posted)

	// an old timestamp falls outside the window
	stale := time.Now().UTC().Add(-5 * time.Hour)
	reg.SetLastNotifiedError(&stale)
	n.NotifyError(context.Background(), reg, errors.New("stalled once more"))
	require.Equal(t, 2, posted)
}

func TestNotifyErrorDeliveryFailureSkipsTimestamp(t *testing.T) {
	reg := testRegistry(t)
	n := NewSlackNotifier("https://hooks.example.com/T000/B000", 0, logger.NewNopLogger())
	n.post = func(context.Context, string, *slack.WebhookMessage) error {
		return errors.New("webhook gone")
	}

	n.NotifyError(context.Background(), reg, errors.New("stalled"))
	require.Nil(t, reg.LastNotifiedError())
}
