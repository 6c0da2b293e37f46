package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cowprotocol/watch-tower/internal/api"
	"github.com/cowprotocol/watch-tower/internal/chain"
	"github.com/cowprotocol/watch-tower/internal/common"
	"github.com/cowprotocol/watch-tower/internal/composable"
	"github.com/cowprotocol/watch-tower/internal/config"
	"github.com/cowprotocol/watch-tower/internal/events"
	"github.com/cowprotocol/watch-tower/internal/filter"
	"github.com/cowprotocol/watch-tower/internal/health"
	"github.com/cowprotocol/watch-tower/internal/logger"
	"github.com/cowprotocol/watch-tower/internal/notify"
	"github.com/cowprotocol/watch-tower/internal/orderbook"
	"github.com/cowprotocol/watch-tower/internal/poller"
	"github.com/cowprotocol/watch-tower/internal/processor"
	"github.com/cowprotocol/watch-tower/internal/registry"
	"github.com/cowprotocol/watch-tower/internal/store"
	"github.com/cowprotocol/watch-tower/internal/watcher"
)

const version = "1.0.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "watch-tower",
	Short: "watch-tower - conditional order watcher for programmatic orders",
	Long: `watch-tower watches chains for conditional order events, maintains a
durable registry of the orders it has seen, and polls each order every block
to submit the discrete orders it yields to the order-book.`,
	Version: version,
}

var (
	configPath string

	databasePath    string
	logLevel        string
	apiPort         int
	disableAPI      bool
	dryRun          bool
	oneShot         bool
	silent          bool
	slackWebhook    string
	pageSize        uint64
	watchdogTimeout time.Duration
	processEvery    uint64
	orderbookURL    string
	filterPolicyURL string
	owners          []string

	runRPC             string
	runDeploymentBlock uint64
	runChainName       string

	multiRPCs             []string
	multiDeploymentBlocks []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch a single chain",
	RunE:  runSingle,
}

var runMultiCmd = &cobra.Command{
	Use:   "run-multi",
	Short: "Watch multiple chains from one process",
	RunE:  runMulti,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a yaml, json or toml configuration file")

	for _, cmd := range []*cobra.Command{runCmd, runMultiCmd} {
		f := cmd.Flags()
		f.StringVar(&databasePath, "database-path", "./database", "directory holding the registry database")
		f.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
		f.IntVar(&apiPort, "api-port", 8080, "port for the health and metrics server")
		f.BoolVar(&disableAPI, "disable-api", false, "disable the health and metrics server")
		f.BoolVar(&dryRun, "dry-run", false, "log order submissions instead of posting them")
		f.BoolVar(&oneShot, "one-shot", false, "sync to the chain tip and exit")
		f.BoolVar(&silent, "silent", false, "disable error notifications")
		f.StringVar(&slackWebhook, "slack-webhook", "", "slack incoming-webhook url for error notifications")
		f.Uint64Var(&pageSize, "page-size", 5000, "blocks per historical log query, 0 for unpaged")
		f.DurationVar(&watchdogTimeout, "watchdog-timeout", 30*time.Second, "max block starvation before the watchdog trips")
		f.Uint64Var(&processEvery, "process-every-num-blocks", 1, "poll the registry only on multiples of this block number")
		f.StringVar(&orderbookURL, "orderbook-url", "", "order-book API base url")
		f.StringVar(&filterPolicyURL, "filter-policy-url", "", "url of a hot-reloaded filter policy document")
		f.StringSliceVar(&owners, "owner", nil, "restrict watching to these owner addresses")
	}

	runCmd.Flags().StringVar(&runRPC, "rpc", "", "node rpc endpoint, ws[s] or http[s]")
	runCmd.Flags().Uint64Var(&runDeploymentBlock, "deployment-block", 0, "block to start syncing from on a fresh database")
	runCmd.Flags().StringVar(&runChainName, "name", "", "chain name for logs and the database, defaults to the chain id")

	runMultiCmd.Flags().StringSliceVar(&multiRPCs, "rpc", nil, "node rpc endpoints, one per chain")
	runMultiCmd.Flags().StringSliceVar(&multiDeploymentBlocks, "deployment-block", nil, "deployment blocks, one per rpc endpoint")

	rootCmd.AddCommand(runCmd, runMultiCmd, dumpDBCmd, replayBlockCmd, replayTxCmd)
}

func runSingle(cmd *cobra.Command, _ []string) error {
	var chains []config.ChainConfig
	if runRPC != "" {
		chains = []config.ChainConfig{chainFromFlags(runRPC, runDeploymentBlock, runChainName)}
	}

	cfg, err := buildConfig(cmd, chains)
	if err != nil {
		return err
	}
	if len(cfg.Chains) != 1 {
		return fmt.Errorf("run watches exactly one chain, got %d (use run-multi)", len(cfg.Chains))
	}

	return execute(cfg)
}

func runMulti(cmd *cobra.Command, _ []string) error {
	var chains []config.ChainConfig
	if len(multiRPCs) > 0 {
		if len(multiDeploymentBlocks) != len(multiRPCs) {
			return fmt.Errorf("got %d rpc endpoints but %d deployment blocks", len(multiRPCs), len(multiDeploymentBlocks))
		}
		for i, rpc := range multiRPCs {
			deploymentBlock, err := common.ParseUint64orHex(&multiDeploymentBlocks[i])
			if err != nil {
				return fmt.Errorf("invalid deployment block %q: %w", multiDeploymentBlocks[i], err)
			}
			chains = append(chains, chainFromFlags(rpc, deploymentBlock, ""))
		}
	}

	cfg, err := buildConfig(cmd, chains)
	if err != nil {
		return err
	}

	return execute(cfg)
}

// chainFromFlags builds a chain entry from the shared run flags.
func chainFromFlags(rpc string, deploymentBlock uint64, name string) config.ChainConfig {
	return config.ChainConfig{
		Name:                  name,
		RPC:                   rpc,
		DeploymentBlock:       deploymentBlock,
		PageSize:              pageSize,
		ProcessEveryNumBlocks: processEvery,
		WatchdogTimeout:       common.NewDuration(watchdogTimeout),
		OrderbookURL:          orderbookURL,
		FilterPolicyURL:       filterPolicyURL,
		Owners:                owners,
	}
}

// buildConfig resolves the effective configuration: the file when --config is
// given, with explicitly set flags overriding it. Chains built from flags
// replace the file's chain list entirely.
func buildConfig(cmd *cobra.Command, chains []config.ChainConfig) (*config.Config, error) {
	cfg := &config.Config{}
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	if len(chains) > 0 {
		cfg.Chains = chains
	}

	if cfg.Logging == nil {
		cfg.Logging = &config.LoggingConfig{}
	}

	f := cmd.Flags()
	if f.Changed("database-path") {
		cfg.Database.Path = databasePath
	}
	if f.Changed("api-port") {
		cfg.API.ListenAddress = fmt.Sprintf(":%d", apiPort)
	}
	if f.Changed("disable-api") {
		cfg.API.Disabled = disableAPI
	}
	if f.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if f.Changed("dry-run") {
		cfg.DryRun = dryRun
	}
	if f.Changed("one-shot") {
		cfg.OneShot = oneShot
	}
	if f.Changed("silent") {
		cfg.Notifications.Silent = silent
	}
	if f.Changed("slack-webhook") {
		cfg.Notifications.SlackWebhook = slackWebhook
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// componentLogger builds a logger at the component's configured level. Levels
// are validated with the config, so construction cannot realistically fail;
// the fallback keeps the binary running on an info logger if it ever does.
func componentLogger(lc *config.LoggingConfig, component string) *logger.Logger {
	log, err := logger.NewLogger(lc.LevelFor(component), lc.Development)
	if err != nil {
		log, _ = logger.NewLogger("info", lc.Development)
	}
	return log
}

// execute runs the configured chains until a signal arrives, a watcher fails,
// or, in one-shot mode, every chain reaches the tip.
func execute(cfg *config.Config) error {
	fmt.Printf("watch-tower v%s\n", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down...")
		cancel()
	}()

	mainLog := componentLogger(cfg.Logging, common.ComponentChainWatcher)

	st, err := store.Open(cfg.Database.Path, componentLogger(cfg.Logging, common.ComponentStore))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	aggregator := health.NewAggregator()

	apiServer := api.NewServer(api.Config{
		Enabled:       !cfg.API.Disabled,
		ListenAddress: cfg.API.ListenAddress,
		ReadTimeout:   cfg.API.ReadTimeout.Duration,
		WriteTimeout:  cfg.API.WriteTimeout.Duration,
		IdleTimeout:   cfg.API.IdleTimeout.Duration,
	}, aggregator, componentLogger(cfg.Logging, common.ComponentAPI))
	go func() {
		if err := apiServer.Start(ctx); err != nil {
			mainLog.Errorw("api server error", "error", err)
		}
	}()

	var notifier notify.Notifier = notify.NopNotifier{}
	if !cfg.Notifications.Silent && cfg.Notifications.SlackWebhook != "" {
		notifier = notify.NewSlackNotifier(
			cfg.Notifications.SlackWebhook,
			cfg.Notifications.Throttle.Duration,
			componentLogger(cfg.Logging, common.ComponentNotifier),
		)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for i := range cfg.Chains {
		chainCfg := cfg.Chains[i]
		group.Go(func() error {
			return watchChain(groupCtx, chainCfg, cfg, st, aggregator, notifier)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	mainLog.Info("watch-tower stopped")
	return nil
}

// watchChain wires one chain's pipeline and runs its watcher to completion.
func watchChain(
	ctx context.Context,
	cc config.ChainConfig,
	cfg *config.Config,
	st *store.Store,
	aggregator *health.Aggregator,
	notifier notify.Notifier,
) error {
	lc := cfg.Logging

	provider, err := chain.Dial(ctx, cc.RPC, chain.DefaultRetryConfig(), componentLogger(lc, common.ComponentProvider))
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", cc.RPC, err)
	}
	defer provider.Close()

	chainID, err := provider.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve chain id for %s: %w", cc.RPC, err)
	}

	network := cc.Name
	if network == "" {
		network = chainID.String()
	}

	reg, err := registry.Load(st, network, componentLogger(lc, common.ComponentRegistry))
	if err != nil {
		return fmt.Errorf("failed to load registry for %s: %w", network, err)
	}

	policies := filter.NewLoader(cc.FilterPolicyURL, 0, componentLogger(lc, common.ComponentFilterLoader))
	go policies.Run(ctx)

	orderbookLog := componentLogger(lc, common.ComponentOrderbook)
	var submitter orderbook.Submitter
	switch {
	case cfg.DryRun:
		submitter = orderbook.NewDryRunSubmitter(orderbookLog)
	case cc.OrderbookURL == "":
		orderbookLog.Warnw("no orderbook url configured, running dry", "network", network)
		submitter = orderbook.NewDryRunSubmitter(orderbookLog)
	default:
		submitter = orderbook.NewClient(cc.OrderbookURL, chain.DefaultRetryConfig(), orderbookLog)
	}

	handler := composable.NewHandler(provider, componentLogger(lc, common.ComponentOrderHandler))
	orderPoller := poller.New(reg, handler, submitter, policies, componentLogger(lc, common.ComponentPoller))

	eventsLog := componentLogger(lc, common.ComponentEventSource)
	source := events.NewSource(provider, cc.OwnerAddresses(), eventsLog)
	compat := events.NewCompatChecker(provider, eventsLog)

	proc := processor.New(reg, compat, orderPoller, processor.Config{
		ProcessEveryNumBlocks: cc.ProcessEveryNumBlocks,
	}, componentLogger(lc, common.ComponentBlockProcessor))

	w := watcher.New(provider, source, proc, reg, watcher.Config{
		DeploymentBlock: cc.DeploymentBlock,
		PageSize:        cc.PageSize,
		WatchdogTimeout: cc.WatchdogTimeout.Duration,
		OneShot:         cfg.OneShot,
	}, componentLogger(lc, common.ComponentChainWatcher))

	aggregator.Register(network, w)

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		notifier.NotifyError(ctx, reg, err)
		return fmt.Errorf("chain %s: %w", network, err)
	}
	return nil
}
