package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/cowprotocol/watch-tower/internal/chain"
	"github.com/cowprotocol/watch-tower/internal/common"
	"github.com/cowprotocol/watch-tower/internal/composable"
	"github.com/cowprotocol/watch-tower/internal/config"
	"github.com/cowprotocol/watch-tower/internal/events"
	"github.com/cowprotocol/watch-tower/internal/filter"
	"github.com/cowprotocol/watch-tower/internal/orderbook"
	"github.com/cowprotocol/watch-tower/internal/poller"
	"github.com/cowprotocol/watch-tower/internal/processor"
	"github.com/cowprotocol/watch-tower/internal/registry"
	"github.com/cowprotocol/watch-tower/internal/store"
	"github.com/cowprotocol/watch-tower/internal/watcher"
)

var (
	replayRPC      string
	replayBlockNum uint64
	replayTxHash   string
)

var replayBlockCmd = &cobra.Command{
	Use:   "replay-block",
	Short: "Re-process a single historical block in dry-run mode",
	Long: `replay-block fetches a historical block, decodes its conditional order
events, and polls the resulting registry against the replayed block context.
It runs against an ephemeral database and never posts to the order-book.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return replay(func(ctx context.Context, w *watcher.Watcher) error {
			return w.ReplayBlock(ctx, replayBlockNum)
		})
	},
}

var replayTxCmd = &cobra.Command{
	Use:   "replay-tx",
	Short: "Re-process a single transaction's events in dry-run mode",
	RunE: func(cmd *cobra.Command, _ []string) error {
		raw, err := parseHash(replayTxHash)
		if err != nil {
			return err
		}
		return replay(func(ctx context.Context, w *watcher.Watcher) error {
			return w.ReplayTransaction(ctx, raw)
		})
	},
}

func init() {
	replayBlockCmd.Flags().StringVar(&replayRPC, "rpc", "", "node rpc endpoint")
	replayBlockCmd.Flags().Uint64Var(&replayBlockNum, "block", 0, "block number to replay")
	_ = replayBlockCmd.MarkFlagRequired("rpc")
	_ = replayBlockCmd.MarkFlagRequired("block")

	replayTxCmd.Flags().StringVar(&replayRPC, "rpc", "", "node rpc endpoint")
	replayTxCmd.Flags().StringVar(&replayTxHash, "tx", "", "transaction hash to replay")
	_ = replayTxCmd.MarkFlagRequired("rpc")
	_ = replayTxCmd.MarkFlagRequired("tx")
}

func parseHash(s string) (ethcommon.Hash, error) {
	raw := ethcommon.FromHex(s)
	if len(raw) != ethcommon.HashLength {
		return ethcommon.Hash{}, fmt.Errorf("invalid transaction hash %q", s)
	}
	return ethcommon.BytesToHash(raw), nil
}

// replay wires a throwaway single-chain pipeline against an ephemeral
// database and hands the watcher to fn. Submissions are always dry-run.
func replay(fn func(ctx context.Context, w *watcher.Watcher) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lc := &config.LoggingConfig{Level: "info", Development: true}

	dir, err := os.MkdirTemp("", "watch-tower-replay-")
	if err != nil {
		return fmt.Errorf("failed to create ephemeral database: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(dir, componentLogger(lc, common.ComponentStore))
	if err != nil {
		return fmt.Errorf("failed to open ephemeral database: %w", err)
	}
	defer st.Close()

	provider, err := chain.Dial(ctx, replayRPC, chain.DefaultRetryConfig(), componentLogger(lc, common.ComponentProvider))
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", replayRPC, err)
	}
	defer provider.Close()

	chainID, err := provider.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve chain id: %w", err)
	}

	reg, err := registry.Load(st, chainID.String(), componentLogger(lc, common.ComponentRegistry))
	if err != nil {
		return err
	}

	orderbookLog := componentLogger(lc, common.ComponentOrderbook)
	submitter := orderbook.NewDryRunSubmitter(orderbookLog)

	policies := filter.NewLoader("", 0, componentLogger(lc, common.ComponentFilterLoader))
	handler := composable.NewHandler(provider, componentLogger(lc, common.ComponentOrderHandler))
	orderPoller := poller.New(reg, handler, submitter, policies, componentLogger(lc, common.ComponentPoller))

	eventsLog := componentLogger(lc, common.ComponentEventSource)
	source := events.NewSource(provider, nil, eventsLog)
	compat := events.NewCompatChecker(provider, eventsLog)

	proc := processor.New(reg, compat, orderPoller, processor.Config{
		ProcessEveryNumBlocks: 1,
	}, componentLogger(lc, common.ComponentBlockProcessor))

	w := watcher.New(provider, source, proc, reg, watcher.Config{}, componentLogger(lc, common.ComponentChainWatcher))

	return fn(ctx, w)
}
