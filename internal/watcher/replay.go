package watcher

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/cowprotocol/watch-tower/internal/processor"
)

// ReplayBlock re-processes a single historical block as if it had just
// arrived, passing the block itself as the handler context.
func (w *Watcher) ReplayBlock(ctx context.Context, number uint64) error {
	header, err := w.provider.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return fmt.Errorf("failed to fetch block %d: %w", number, err)
	}
	block := headerToBlock(header)

	evts, err := w.source.Events(ctx, number, &number)
	if err != nil {
		return fmt.Errorf("failed to fetch events for block %d: %w", number, err)
	}

	w.log.Infow("replaying block", "block", number, "events", len(evts))

	return w.processor.ProcessBlock(ctx, block, evts, processor.Overrides{
		BlockNumber: &block.Number,
		Timestamp:   &block.Timestamp,
	})
}

// ReplayTransaction re-processes the events of a single transaction inside
// its containing block's context.
func (w *Watcher) ReplayTransaction(ctx context.Context, txHash common.Hash) error {
	receipt, err := w.provider.TransactionReceipt(ctx, txHash)
	if err != nil {
		return fmt.Errorf("failed to fetch receipt for %s: %w", txHash.Hex(), err)
	}

	header, err := w.provider.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return fmt.Errorf("failed to fetch block %d: %w", receipt.BlockNumber, err)
	}
	block := headerToBlock(header)

	logs := make([]types.Log, 0, len(receipt.Logs))
	for _, lg := range receipt.Logs {
		logs = append(logs, *lg)
	}
	evts := w.source.FromLogs(logs)

	w.log.Infow("replaying transaction",
		"tx", txHash.Hex(), "block", block.Number, "events", len(evts))

	return w.processor.ProcessBlock(ctx, block, evts, processor.Overrides{
		BlockNumber: &block.Number,
		Timestamp:   &block.Timestamp,
	})
}
