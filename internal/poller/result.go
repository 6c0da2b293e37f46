package poller

import (
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/cowprotocol/watch-tower/internal/orderbook"
	"github.com/cowprotocol/watch-tower/internal/registry"
)

// Result is the tagged outcome of polling a single conditional order. Kind
// selects which payload fields are meaningful.
type Result struct {
	Kind registry.PollResultKind

	// Set for SUCCESS.
	Order         *orderbook.Order
	Signature     hexutil.Bytes
	SigningScheme string

	// Set for the deferral kinds and DONT_TRY_AGAIN.
	Reason string

	// Set for TRY_AT_BLOCK.
	BlockNumber uint64

	// Set for TRY_AT_EPOCH, seconds since epoch.
	Epoch int64

	// Set for UNEXPECTED_ERROR.
	Err error
}

// Success wraps a discrete order ready for submission.
func Success(order *orderbook.Order, signature hexutil.Bytes) Result {
	return Result{Kind: registry.PollResultSuccess, Order: order, Signature: signature}
}

// TryNextBlock defers the order until any later block.
func TryNextBlock(reason string) Result {
	return Result{Kind: registry.PollResultTryNextBlock, Reason: reason}
}

// TryAtBlock defers the order until the given block number.
func TryAtBlock(blockNumber uint64, reason string) Result {
	return Result{Kind: registry.PollResultTryAtBlock, BlockNumber: blockNumber, Reason: reason}
}

// TryAtEpoch defers the order until the given unix timestamp.
func TryAtEpoch(epoch int64, reason string) Result {
	return Result{Kind: registry.PollResultTryAtEpoch, Epoch: epoch, Reason: reason}
}

// DontTryAgain directs the poller to delete the conditional order.
func DontTryAgain(reason string) Result {
	return Result{Kind: registry.PollResultDontTryAgain, Reason: reason}
}

// UnexpectedError reports a handler failure. It is counted and the order is
// retried on later blocks.
func UnexpectedError(err error) Result {
	return Result{Kind: registry.PollResultUnexpectedError, Err: err}
}
