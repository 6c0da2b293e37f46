// Package processor applies one block's worth of work to the registry:
// event ingestion, conditional-order polling, and cursor persistence.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/cowprotocol/watch-tower/internal/events"
	"github.com/cowprotocol/watch-tower/internal/logger"
	"github.com/cowprotocol/watch-tower/internal/metrics"
	"github.com/cowprotocol/watch-tower/internal/poller"
	"github.com/cowprotocol/watch-tower/internal/registry"
)

// DefaultPollConcurrency bounds the fan-out of poll tasks within one block.
const DefaultPollConcurrency = 16

// ErrPersistFailed marks a registry write failure. Unlike ordinary block
// errors it is fatal to the chain watcher: a cursor that cannot be persisted
// is a data-integrity risk.
var ErrPersistFailed = errors.New("registry persistence failed")

// CompatibilityChecker gates events on their emitting contract.
type CompatibilityChecker interface {
	IsCompatible(ctx context.Context, addr common.Address) (bool, error)
}

// OrderPoller drives a single conditional order for a block.
type OrderPoller interface {
	Poll(ctx context.Context, req poller.Request) error
}

// Overrides carry the block context handed to handlers in place of the block
// being processed. Warm-up and replay set them to the chain tip or the
// replayed block; live processing leaves them empty.
type Overrides struct {
	BlockNumber *uint64
	Timestamp   *int64
}

// Config tunes a Processor.
type Config struct {
	// ProcessEveryNumBlocks polls the registry only on block numbers that
	// are multiples of it. Zero or one polls every block.
	ProcessEveryNumBlocks uint64

	// PollConcurrency bounds parallel poll tasks. Zero means
	// DefaultPollConcurrency.
	PollConcurrency int
}

func (c *Config) ApplyDefaults() {
	if c.ProcessEveryNumBlocks == 0 {
		c.ProcessEveryNumBlocks = 1
	}
	if c.PollConcurrency <= 0 {
		c.PollConcurrency = DefaultPollConcurrency
	}
}

// Processor ingests a block's events into the registry, walks the registry
// through the order poller, and persists the cursor. Sub-step failures are
// accumulated and surfaced once, after persistence, so a poison block cannot
// be re-processed forever.
type Processor struct {
	registry *registry.Registry
	compat   CompatibilityChecker
	poller   OrderPoller
	cfg      Config
	network  string
	log      *logger.Logger
}

func New(
	reg *registry.Registry,
	compat CompatibilityChecker,
	orderPoller OrderPoller,
	cfg Config,
	log *logger.Logger,
) *Processor {
	cfg.ApplyDefaults()

	return &Processor{
		registry: reg,
		compat:   compat,
		poller:   orderPoller,
		cfg:      cfg,
		network:  reg.Network(),
		log:      log.WithComponent("block-processor"),
	}
}

// ProcessBlock applies evts to the registry, polls conditional orders when
// the block number matches the processing cadence, and persists the cursor.
// The cursor write happens before any accumulated error is returned.
func (p *Processor) ProcessBlock(
	ctx context.Context,
	block registry.RegistryBlock,
	evts []events.Event,
	overrides Overrides,
) error {
	start := time.Now()
	var errs []error

	for _, event := range evts {
		if err := p.ingest(ctx, event); err != nil {
			p.log.Warnw("failed to ingest event",
				"block", event.BlockNumber(),
				"log_index", event.LogIndex(),
				"contract", event.Contract().Hex(),
				"error", err,
			)
			errs = append(errs, err)
			continue
		}
		metrics.EventsProcessedInc(p.network, 1)
	}

	if block.Number%p.cfg.ProcessEveryNumBlocks == 0 {
		errs = append(errs, p.pollAll(ctx, block, overrides)...)
	}

	p.registry.SetLastProcessedBlock(block)
	if err := p.registry.Write(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrPersistFailed, err))
	}

	metrics.BlockHeightSet(p.network, block.Number)
	metrics.ProcessBlockDurationLog(p.network, time.Since(start))

	return errors.Join(errs...)
}

// ingest routes one decoded event into the registry, gated on the emitting
// contract's compatibility.
func (p *Processor) ingest(ctx context.Context, event events.Event) error {
	compatible, err := p.compat.IsCompatible(ctx, event.Contract())
	if err != nil {
		return fmt.Errorf("failed to check contract compatibility: %w", err)
	}
	if !compatible {
		p.log.Debugw("ignoring event from incompatible contract",
			"contract", event.Contract().Hex())
		return nil
	}

	switch ev := event.(type) {
	case *events.ConditionalOrderCreatedEvent:
		order := registry.NewConditionalOrder(ev.Raw.TxHash, ev.Params, nil, ev.Contract())
		if p.registry.Add(ev.Owner, order) {
			p.log.Infow("registered conditional order",
				"owner", ev.Owner.Hex(), "id", ev.Params.ID().Hex())
		}
		return nil

	case *events.MerkleRootSetEvent:
		if ev.Location != events.ProofLocationEmitted {
			p.log.Debugw("ignoring merkle root with non-emitted proof location",
				"owner", ev.Owner.Hex(), "root", ev.Root.Hex(), "location", ev.Location)
			return nil
		}

		if flushed := p.registry.Flush(ev.Owner, ev.Root); flushed > 0 {
			p.log.Infow("flushed stale merkle orders",
				"owner", ev.Owner.Hex(), "root", ev.Root.Hex(), "count", flushed)
		}
		for _, mo := range ev.Orders {
			proof := &registry.Proof{MerkleRoot: ev.Root, Path: mo.Path}
			order := registry.NewConditionalOrder(ev.Raw.TxHash, mo.Params, proof, ev.Contract())
			p.registry.Add(ev.Owner, order)
		}
		return nil

	default:
		return fmt.Errorf("unknown event type %T", event)
	}
}

// pollAll fans poll tasks out over the registry snapshot with bounded
// concurrency. Poll errors are collected rather than propagated through the
// group so one failing order does not cancel its siblings.
func (p *Processor) pollAll(ctx context.Context, block registry.RegistryBlock, overrides Overrides) []error {
	var (
		mu   sync.Mutex
		errs []error
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.cfg.PollConcurrency)

	for owner, orders := range p.registry.Snapshot() {
		for _, order := range orders {
			group.Go(func() error {
				err := p.poller.Poll(groupCtx, poller.Request{
					Owner:               owner,
					Order:               order,
					Block:               block,
					BlockNumberOverride: overrides.BlockNumber,
					TimestampOverride:   overrides.Timestamp,
				})
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
				return nil
			})
		}
	}

	// tasks report through errs, never through the group
	_ = group.Wait()

	return errs
}
