package filter

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cowprotocol/watch-tower/internal/logger"
)

// DefaultReloadInterval is how often the policy is refreshed from its URL.
const DefaultReloadInterval = time.Hour

const maxPolicySize = 1 << 20 // 1 MiB

// Loader holds the current filter policy and refreshes it in the background
// on a jittered interval. A failed reload keeps the last good snapshot in
// effect; reloading is time-based on purpose, not tied to block numbers.
type Loader struct {
	url      string
	interval time.Duration
	client   *http.Client
	log      *logger.Logger

	current atomic.Pointer[Policy]
}

// NewLoader builds a loader. An empty URL yields a static accept-all policy
// and Run becomes a no-op.
func NewLoader(url string, interval time.Duration, log *logger.Logger) *Loader {
	if interval <= 0 {
		interval = DefaultReloadInterval
	}

	l := &Loader{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      log.WithComponent("filter-loader"),
	}
	l.current.Store(DefaultPolicy())

	return l
}

// Policy returns the current snapshot. Never nil.
func (l *Loader) Policy() *Policy {
	return l.current.Load()
}

// Run reloads the policy until the context is cancelled. The first load
// happens immediately so a bad URL is visible at start-up (logged, not
// fatal).
func (l *Loader) Run(ctx context.Context) {
	if l.url == "" {
		return
	}

	if err := l.reload(ctx); err != nil {
		l.log.Errorw("initial filter policy load failed, using accept-all", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.jitteredInterval()):
			if err := l.reload(ctx); err != nil {
				l.log.Errorw("filter policy reload failed, keeping last good policy", "error", err)
			}
		}
	}
}

// reload fetches and parses the policy, swapping the snapshot on success.
func (l *Loader) reload(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return err
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch filter policy: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("filter policy endpoint returned %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPolicySize))
	if err != nil {
		return fmt.Errorf("failed to read filter policy: %w", err)
	}

	policy, err := ParsePolicy(data)
	if err != nil {
		return err
	}

	l.current.Store(policy)
	l.log.Infow("filter policy reloaded", "url", l.url)

	return nil
}

// jitteredInterval spreads reloads +/-10% so a fleet does not stampede the
// policy endpoint.
func (l *Loader) jitteredInterval() time.Duration {
	jitter := float64(l.interval) * 0.1
	offset := (rand.Float64() * 2 * jitter) - jitter
	return l.interval + time.Duration(offset)
}
