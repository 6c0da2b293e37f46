// Package notify pushes watcher failures to Slack, throttled through the
// registry's persisted last-notification timestamp.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/slack-go/slack"

	"github.com/cowprotocol/watch-tower/internal/logger"
	"github.com/cowprotocol/watch-tower/internal/registry"
)

// DefaultThrottle spaces out repeat notifications for the same chain.
const DefaultThrottle = 4 * time.Hour

// Notifier reports a chain-level error to an external channel. It never
// fails the caller; delivery problems are logged and dropped.
type Notifier interface {
	NotifyError(ctx context.Context, reg *registry.Registry, err error)
}

// SlackNotifier posts to an incoming-webhook URL. The throttle window is
// tracked per chain in the registry so it survives restarts.
type SlackNotifier struct {
	webhookURL string
	throttle   time.Duration
	log        *logger.Logger

	post func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

func NewSlackNotifier(webhookURL string, throttle time.Duration, log *logger.Logger) *SlackNotifier {
	if throttle == 0 {
		throttle = DefaultThrottle
	}
	return &SlackNotifier{
		webhookURL: webhookURL,
		throttle:   throttle,
		log:        log.WithComponent("notifier"),
		post:       slack.PostWebhookContext,
	}
}

func (n *SlackNotifier) NotifyError(ctx context.Context, reg *registry.Registry, err error) {
	if last := reg.LastNotifiedError(); last != nil && time.Since(*last) < n.throttle {
		n.log.Debugw("suppressing notification inside throttle window",
			"network", reg.Network(), "last", last.Format(time.RFC3339))
		return
	}

	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf(":rotating_light: watch-tower `%s`: %v", reg.Network(), err),
	}
	if postErr := n.post(ctx, n.webhookURL, msg); postErr != nil {
		n.log.Warnw("failed to post notification", "error", postErr)
		return
	}

	now := time.Now().UTC()
	reg.SetLastNotifiedError(&now)
	if writeErr := reg.Write(); writeErr != nil {
		n.log.Warnw("failed to persist notification timestamp", "error", writeErr)
	}
}

// NopNotifier drops everything. Used with --silent.
type NopNotifier struct{}

func (NopNotifier) NotifyError(context.Context, *registry.Registry, error) {}
