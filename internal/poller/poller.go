// Package poller evaluates conditional orders against a block context and
// turns handler verdicts into order-book submissions, deferrals, or registry
// deletions.
package poller

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cowprotocol/watch-tower/internal/filter"
	"github.com/cowprotocol/watch-tower/internal/logger"
	"github.com/cowprotocol/watch-tower/internal/metrics"
	"github.com/cowprotocol/watch-tower/internal/orderbook"
	"github.com/cowprotocol/watch-tower/internal/registry"
)

const defaultSigningScheme = "eip1271"

// Request carries one conditional order plus the block context it is polled
// against. The override fields are set during historical replay so the
// handler evaluates against the replayed block rather than the chain tip.
type Request struct {
	Owner common.Address
	Order *registry.ConditionalOrder
	Block registry.RegistryBlock

	BlockNumberOverride *uint64
	TimestampOverride   *int64
}

// Handler is the external library that decides what a conditional order
// yields at a given block.
type Handler interface {
	Poll(ctx context.Context, req Request) Result
}

// PolicySource yields the current filter policy snapshot.
type PolicySource interface {
	Policy() *filter.Policy
}

// Poller drives a single conditional order through filter, handler, and
// order-book submission. All registry mutations go through Registry methods
// so concurrent polls within a block stay safe.
type Poller struct {
	registry  *registry.Registry
	handler   Handler
	submitter orderbook.Submitter
	policies  PolicySource
	network   string
	log       *logger.Logger
}

func New(
	reg *registry.Registry,
	handler Handler,
	submitter orderbook.Submitter,
	policies PolicySource,
	log *logger.Logger,
) *Poller {
	return &Poller{
		registry:  reg,
		handler:   handler,
		submitter: submitter,
		policies:  policies,
		network:   reg.Network(),
		log:       log.WithComponent("poller"),
	}
}

// Poll runs one conditional order through the pipeline. It returns an error
// only for UNEXPECTED_ERROR handler results; every other outcome, including
// order-book rejections, is counted and logged but not surfaced, so a single
// bad order never stalls its block.
func (p *Poller) Poll(ctx context.Context, req Request) error {
	order := req.Order
	id := order.Params.ID()

	switch action := p.policies.Policy().Evaluate(filter.Candidate{
		Owner:   req.Owner,
		Handler: order.Params.Handler,
		TxHash:  order.Tx,
		OrderID: id,
	}); action {
	case filter.ActionDrop:
		p.log.Infow("dropping conditional order per filter policy",
			"owner", req.Owner.Hex(), "id", id.Hex())
		p.registry.Delete(req.Owner, order)
		metrics.PollingFilteredInc(p.network, string(action))
		return nil
	case filter.ActionSkip:
		metrics.PollingFilteredInc(p.network, string(action))
		return nil
	}

	if deferred, reason := p.deferred(order, req.Block); deferred {
		p.log.Debugw("skipping conditional order", "id", id.Hex(), "reason", reason)
		return nil
	}

	result := p.handler.Poll(ctx, req)
	metrics.PollingRunInc(p.network, string(result.Kind))

	record := registry.PollRecord{
		Timestamp:   req.Block.Timestamp,
		BlockNumber: req.Block.Number,
		Result:      result.Kind,
	}

	var err error
	switch result.Kind {
	case registry.PollResultSuccess:
		p.submit(ctx, req, result)
	case registry.PollResultTryNextBlock:
		p.log.Debugw("deferring conditional order to next block",
			"id", id.Hex(), "reason", result.Reason)
	case registry.PollResultTryAtBlock:
		p.log.Debugw("deferring conditional order to block",
			"id", id.Hex(), "block", result.BlockNumber, "reason", result.Reason)
		record.TryAtBlock = result.BlockNumber
	case registry.PollResultTryAtEpoch:
		p.log.Debugw("deferring conditional order to epoch",
			"id", id.Hex(), "epoch", result.Epoch, "reason", result.Reason)
		record.TryAtEpoch = result.Epoch
	case registry.PollResultDontTryAgain:
		p.log.Infow("deleting conditional order per handler",
			"owner", req.Owner.Hex(), "id", id.Hex(), "reason", result.Reason)
		p.registry.Delete(req.Owner, order)
		return nil
	case registry.PollResultUnexpectedError:
		p.log.Errorw("unexpected error polling conditional order",
			"owner", req.Owner.Hex(), "id", id.Hex(), "err", result.Err)
		metrics.PollingUnexpectedErrorInc(
			p.network, order.Params.Handler.Hex(), req.Owner.Hex(), id.Hex())
		err = fmt.Errorf("poll %s: %w", id.Hex(), result.Err)
	default:
		err = fmt.Errorf("poll %s: unknown result kind %q", id.Hex(), result.Kind)
	}

	p.registry.RecordPoll(order, record)

	return err
}

// deferred reports whether the last recorded poll still suppresses this one.
func (p *Poller) deferred(order *registry.ConditionalOrder, block registry.RegistryBlock) (bool, string) {
	last := order.LastPoll
	if last == nil {
		return false, ""
	}
	switch last.Result {
	case registry.PollResultTryNextBlock:
		if block.Number <= last.BlockNumber {
			return true, "handler deferred to next block"
		}
	case registry.PollResultTryAtBlock:
		if block.Number < last.TryAtBlock {
			return true, fmt.Sprintf("handler deferred to block %d", last.TryAtBlock)
		}
	case registry.PollResultTryAtEpoch:
		if block.Timestamp < last.TryAtEpoch {
			return true, fmt.Sprintf("handler deferred to epoch %d", last.TryAtEpoch)
		}
	}
	return false, ""
}

// submit pushes a successful poll result to the order-book, keeping the
// operation idempotent across reorgs and re-polls via the discrete-order set.
func (p *Poller) submit(ctx context.Context, req Request, result Result) {
	order := req.Order
	id := order.Params.ID()
	uid := result.Order.UID(req.Owner)

	if p.registry.HasDiscreteOrder(order, uid) {
		p.log.Debugw("discrete order already submitted", "uid", uid.String())
		return
	}

	scheme := result.SigningScheme
	if scheme == "" {
		scheme = defaultSigningScheme
	}

	submitErr := p.submitter.SubmitOrder(ctx, orderbook.Submission{
		Order:         result.Order,
		Owner:         req.Owner,
		Signature:     result.Signature,
		SigningScheme: scheme,
	})

	switch {
	case submitErr == nil, errors.Is(submitErr, orderbook.ErrDuplicateOrder):
		p.registry.RecordDiscreteOrder(order, uid, registry.OrderStatusSubmitted)
		metrics.OrderbookOrderInc(
			p.network, order.Params.Handler.Hex(), req.Owner.Hex(), id.Hex())
		p.log.Infow("submitted discrete order",
			"uid", uid.String(), "owner", req.Owner.Hex(), "id", id.Hex())
	default:
		status, errLabel := classifySubmitError(submitErr)
		metrics.OrderbookErrorInc(
			p.network, order.Params.Handler.Hex(), req.Owner.Hex(), id.Hex(), status, errLabel)
		p.log.Warnw("order-book rejected discrete order",
			"uid", uid.String(), "owner", req.Owner.Hex(), "err", submitErr)
	}
}

func classifySubmitError(err error) (status, errLabel string) {
	var rejection *orderbook.RejectionError
	if errors.As(err, &rejection) {
		return strconv.Itoa(rejection.StatusCode), rejection.ErrorType
	}
	return "network", "transport"
}
