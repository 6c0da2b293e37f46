// Package watcher runs the per-chain state machine: historical warm-up,
// live head tailing with reorg detection, and a stalled-chain watchdog.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/cowprotocol/watch-tower/internal/chain"
	"github.com/cowprotocol/watch-tower/internal/events"
	"github.com/cowprotocol/watch-tower/internal/health"
	"github.com/cowprotocol/watch-tower/internal/logger"
	"github.com/cowprotocol/watch-tower/internal/metrics"
	"github.com/cowprotocol/watch-tower/internal/processor"
	"github.com/cowprotocol/watch-tower/internal/registry"
)

// ErrWatchdogTimeout is returned by Run when no block arrives within the
// watchdog timeout and the process is not running inside a pod. The caller is
// expected to close the store and exit non-zero.
var ErrWatchdogTimeout = errors.New("watchdog: block production stalled")

// State is the watcher's position in the sync lifecycle.
type State int32

const (
	StateSyncing State = iota
	StateInSync
	StateUnknown
)

func (s State) String() string {
	switch s {
	case StateSyncing:
		return "SYNCING"
	case StateInSync:
		return "IN_SYNC"
	case StateUnknown:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// EventSource yields decoded events for a block range.
type EventSource interface {
	Events(ctx context.Context, fromBlock uint64, toBlock *uint64) ([]events.Event, error)
	FromLogs(logs []types.Log) []events.Event
}

// BlockProcessor applies one block to the registry.
type BlockProcessor interface {
	ProcessBlock(ctx context.Context, block registry.RegistryBlock, evts []events.Event, overrides processor.Overrides) error
}

// Config tunes a chain watcher.
type Config struct {
	// DeploymentBlock is where warm-up starts on a fresh database.
	DeploymentBlock uint64

	// PageSize bounds warm-up log queries. Zero queries straight to latest.
	PageSize uint64

	// WatchdogTimeout is how long the live tail may go without a block
	// before the watchdog trips.
	WatchdogTimeout time.Duration

	// WatchdogInterval is how often the watchdog checks. Zero means 5s.
	WatchdogInterval time.Duration

	// OneShot stops after warm-up instead of tailing the chain.
	OneShot bool
}

func (c *Config) ApplyDefaults() {
	if c.WatchdogTimeout == 0 {
		c.WatchdogTimeout = 30 * time.Second
	}
	if c.WatchdogInterval == 0 {
		c.WatchdogInterval = 5 * time.Second
	}
}

// Watcher drives a single chain from historical warm-up into live tailing.
// Block processing is strictly sequential; the head channel is the
// serialisation point.
type Watcher struct {
	provider  chain.Provider
	source    EventSource
	processor BlockProcessor
	registry  *registry.Registry
	cfg       Config
	network   string
	log       *logger.Logger

	state   atomic.Int32
	chainID atomic.Value // string

	mu        sync.Mutex
	lastBlock *registry.RegistryBlock
	lastSeen  time.Time
}

func New(
	provider chain.Provider,
	source EventSource,
	proc BlockProcessor,
	reg *registry.Registry,
	cfg Config,
	log *logger.Logger,
) *Watcher {
	cfg.ApplyDefaults()

	w := &Watcher{
		provider:  provider,
		source:    source,
		processor: proc,
		registry:  reg,
		cfg:       cfg,
		network:   reg.Network(),
		log:       log.WithComponent("chain-watcher").WithNetwork(reg.Network()),
	}
	w.chainID.Store("")
	return w
}

// State reports the current sync state.
func (w *Watcher) State() State {
	return State(w.state.Load())
}

func (w *Watcher) setState(s State) {
	if State(w.state.Swap(int32(s))) != s {
		w.log.Infow("sync state changed", "state", s.String())
	}
}

// Status implements health.Reporter.
func (w *Watcher) Status() health.Status {
	state := w.State()
	return health.Status{
		Sync:               health.Sync(state.String()),
		ChainID:            w.chainID.Load().(string),
		LastProcessedBlock: w.registry.LastProcessedBlock(),
		IsHealthy:          state == StateInSync,
	}
}

// Run executes warm-up and, unless configured one-shot, tails the chain until
// the context is cancelled or the watchdog trips outside a pod.
func (w *Watcher) Run(ctx context.Context) error {
	chainID, err := w.provider.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve chain id: %w", err)
	}
	w.chainID.Store(chainID.String())

	w.setState(StateSyncing)
	if err := w.warmUp(ctx); err != nil {
		return fmt.Errorf("warm-up failed: %w", err)
	}
	w.setState(StateInSync)

	if w.cfg.OneShot {
		w.log.Infow("one-shot sync complete")
		return nil
	}

	return w.liveTail(ctx)
}

// warmUp pages the event history from the cursor (or the deployment block)
// to the tip, processing block buckets in ascending order, until the cursor
// catches the moving tip.
func (w *Watcher) warmUp(ctx context.Context) error {
	from := w.cfg.DeploymentBlock
	if cursor := w.registry.LastProcessedBlock(); cursor != nil {
		from = cursor.Number + 1
	}

	for {
		tipHeader, err := w.provider.HeaderByNumber(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to fetch tip: %w", err)
		}
		tip := headerToBlock(tipHeader)

		if from > tip.Number {
			w.log.Infow("nothing to sync", "from", from, "tip", tip.Number)
			return nil
		}

		w.log.Infow("syncing historical blocks", "from", from, "tip", tip.Number)

		if err := w.syncRange(ctx, from, tip); err != nil {
			return err
		}

		w.registry.SetLastProcessedBlock(tip)
		if err := w.registry.Write(); err != nil {
			return fmt.Errorf("failed to persist cursor: %w", err)
		}
		w.setLastBlock(tip)

		// the tip moved while we paged; go again from the cursor
		newTip, err := w.provider.HeaderByNumber(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to re-fetch tip: %w", err)
		}
		if newTip.Number.Uint64() == tip.Number {
			return nil
		}
		from = tip.Number + 1
	}
}

// syncRange walks [from, tip.Number] in pages, bucketing events per block and
// running the processor on each bucket with the tip as the handler context.
func (w *Watcher) syncRange(ctx context.Context, from uint64, tip registry.RegistryBlock) error {
	overrides := processor.Overrides{
		BlockNumber: &tip.Number,
		Timestamp:   &tip.Timestamp,
	}

	for from <= tip.Number {
		// PageSize zero means one unpaged query to the chain head
		to := tip.Number
		var toBlock *uint64
		if w.cfg.PageSize > 0 {
			if from+w.cfg.PageSize-1 < to {
				to = from + w.cfg.PageSize - 1
			}
			toBlock = &to
		}

		evts, err := w.source.Events(ctx, from, toBlock)
		if err != nil {
			return fmt.Errorf("failed to fetch events for [%d, %d]: %w", from, to, err)
		}

		for _, bucket := range bucketByBlock(evts) {
			header, err := w.provider.HeaderByNumber(ctx, new(big.Int).SetUint64(bucket.number))
			if err != nil {
				return fmt.Errorf("failed to fetch block %d: %w", bucket.number, err)
			}
			block := headerToBlock(header)

			if err := w.processor.ProcessBlock(ctx, block, bucket.events, overrides); err != nil {
				if errors.Is(err, processor.ErrPersistFailed) {
					return fmt.Errorf("block %d: %w", bucket.number, err)
				}
				// cursor already advanced; log and keep paging
				w.log.Errorw("errors processing historical block",
					"block", bucket.number, "error", err)
			}
		}

		from = to + 1
	}

	return nil
}

// liveTail subscribes to new heads and processes each as it arrives, with the
// watchdog running alongside.
func (w *Watcher) liveTail(ctx context.Context) error {
	heads := make(chan *types.Header, 64)
	sub, err := w.provider.SubscribeNewHead(ctx, heads)
	if err != nil {
		return fmt.Errorf("failed to subscribe to new heads: %w", err)
	}
	defer sub.Unsubscribe()

	// start the clock even when warm-up had nothing to process
	w.mu.Lock()
	if w.lastSeen.IsZero() {
		w.lastSeen = time.Now()
	}
	w.mu.Unlock()

	watchdogCtx, cancelWatchdog := context.WithCancel(ctx)
	defer cancelWatchdog()
	tripped := make(chan struct{})
	go w.watchdog(watchdogCtx, tripped)

	w.log.Infow("tailing chain")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return fmt.Errorf("head subscription failed: %w", err)
		case <-tripped:
			return ErrWatchdogTimeout
		case header := <-heads:
			if err := w.handleHead(ctx, header); err != nil {
				return err
			}
		}
	}
}

// handleHead processes one incoming head: rate gauge, reorg detection, event
// fetch, block processing. Ordinary processing errors are logged and the tail
// continues; a registry persistence failure is returned so Run exits.
func (w *Watcher) handleHead(ctx context.Context, header *types.Header) error {
	block := headerToBlock(header)

	if last := w.lastReceived(); last != nil {
		metrics.BlockTimeSet(w.network, time.Duration(block.Timestamp-last.Timestamp)*time.Second)

		if block.Number <= last.Number && block.Hash != last.Hash {
			depth := last.Number - block.Number + 1
			w.log.Warnw("chain reorg detected",
				"block", block.Number, "last", last.Number, "depth", depth)
			metrics.ReorgLog(w.network, depth)
		}
	}

	// a block arriving clears a tripped watchdog
	w.setState(StateInSync)

	evts, err := w.source.Events(ctx, block.Number, &block.Number)
	if err != nil {
		w.log.Errorw("failed to fetch events for block",
			"block", block.Number, "error", err)
		w.setLastBlock(block)
		return nil
	}

	if err := w.processor.ProcessBlock(ctx, block, evts, processor.Overrides{}); err != nil {
		if errors.Is(err, processor.ErrPersistFailed) {
			return fmt.Errorf("block %d: %w", block.Number, err)
		}
		w.log.Errorw("errors processing block", "block", block.Number, "error", err)
	}

	w.setLastBlock(block)
	return nil
}

// watchdog trips when no head arrives within the configured timeout. Inside
// a pod the watcher degrades to UNKNOWN and keeps running so the orchestrator
// decides; outside, it signals the run loop to exit.
func (w *Watcher) watchdog(ctx context.Context, tripped chan<- struct{}) {
	ticker := time.NewTicker(w.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		elapsed := time.Since(w.lastSeenAt())
		if elapsed < w.cfg.WatchdogTimeout {
			continue
		}

		w.log.Errorw("no block received within watchdog timeout",
			"elapsed", elapsed.String(), "timeout", w.cfg.WatchdogTimeout.String())

		if runningInPod() {
			w.setState(StateUnknown)
			continue
		}

		close(tripped)
		return
	}
}

func (w *Watcher) setLastBlock(block registry.RegistryBlock) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastBlock = &block
	w.lastSeen = time.Now()
}

func (w *Watcher) lastReceived() *registry.RegistryBlock {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastBlock
}

func (w *Watcher) lastSeenAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeen
}

// runningInPod reports whether the process is managed by an orchestrator
// that handles unhealthy instances itself.
func runningInPod() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != "" || os.Getenv("WATCH_TOWER_POD") != ""
}

func headerToBlock(header *types.Header) registry.RegistryBlock {
	return registry.RegistryBlock{
		Number:    header.Number.Uint64(),
		Hash:      header.Hash(),
		Timestamp: int64(header.Time),
	}
}

// blockBucket groups one block's events during warm-up.
type blockBucket struct {
	number uint64
	events []events.Event
}

// bucketByBlock groups events by block number, ascending. Input is already
// (blockNumber, logIndex) ordered, so a single pass suffices.
func bucketByBlock(evts []events.Event) []blockBucket {
	var buckets []blockBucket
	for _, event := range evts {
		n := event.BlockNumber()
		if len(buckets) == 0 || buckets[len(buckets)-1].number != n {
			buckets = append(buckets, blockBucket{number: n})
		}
		last := &buckets[len(buckets)-1]
		last.events = append(last.events, event)
	}
	return buckets
}
