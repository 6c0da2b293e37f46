package chain

import (
	"context"
	"math/big"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cowprotocol/watch-tower/internal/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Provider is the narrow chain-access contract the watcher consumes. Both
// streaming (ws) and polling (http) providers satisfy it.
type Provider interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	Close()
}

// Compile-time checks.
var (
	_ Provider = (*streamingProvider)(nil)
	_ Provider = (*pollingProvider)(nil)
)

// DefaultBlockInterval approximates mainnet block production and paces the
// polling provider's synthetic head events.
const DefaultBlockInterval = 12 * time.Second

// Dial connects to the endpoint and selects the provider flavour by URL
// scheme: ws[s] gets a native new-head subscription, http[s] a poll loop that
// simulates one.
func Dial(ctx context.Context, endpoint string, retry *RetryConfig, log *logger.Logger) (Provider, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}

	rpcClient, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	base := &client{
		eth:   ethclient.NewClient(rpcClient),
		retry: retry,
		log:   log.WithComponent("provider"),
	}

	if strings.HasPrefix(parsed.Scheme, "ws") {
		return &streamingProvider{client: base}, nil
	}

	return &pollingProvider{client: base, interval: DefaultBlockInterval}, nil
}

// client wraps ethclient with retrying reads. Every call that can hit a
// flaky endpoint goes through retryWithBackoff.
type client struct {
	eth   *ethclient.Client
	retry *RetryConfig
	log   *logger.Logger
}

func (c *client) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := retryWithBackoff(ctx, c.retry, c.log, "chain_id", func() error {
		var err error
		id, err = c.eth.ChainID(ctx)
		return err
	})
	return id, err
}

func (c *client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var header *types.Header
	err := retryWithBackoff(ctx, c.retry, c.log, "header_by_number", func() error {
		var err error
		header, err = c.eth.HeaderByNumber(ctx, number)
		return err
	})
	return header, err
}

func (c *client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := retryWithBackoff(ctx, c.retry, c.log, "filter_logs", func() error {
		var err error
		logs, err = c.eth.FilterLogs(ctx, query)
		return err
	})
	return logs, err
}

func (c *client) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	var code []byte
	err := retryWithBackoff(ctx, c.retry, c.log, "code_at", func() error {
		var err error
		code, err = c.eth.CodeAt(ctx, contract, blockNumber)
		return err
	})
	return code, err
}

func (c *client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var ret []byte
	err := retryWithBackoff(ctx, c.retry, c.log, "call_contract", func() error {
		var err error
		ret, err = c.eth.CallContract(ctx, msg, blockNumber)
		return err
	})
	return ret, err
}

func (c *client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := retryWithBackoff(ctx, c.retry, c.log, "transaction_receipt", func() error {
		var err error
		receipt, err = c.eth.TransactionReceipt(ctx, txHash)
		return err
	})
	return receipt, err
}

func (c *client) Close() {
	c.eth.Close()
}

// streamingProvider exposes the node's native new-head subscription.
type streamingProvider struct {
	*client
}

func (p *streamingProvider) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	return p.eth.SubscribeNewHead(ctx, ch)
}

// pollingProvider simulates a new-head subscription over plain JSON-RPC by
// polling the tip at roughly the chain's block interval. A hash change at the
// same height is delivered too, so reorg detection works identically on both
// provider flavours.
type pollingProvider struct {
	*client
	interval time.Duration
}

func (p *pollingProvider) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	sub := newPollSubscription()

	go func() {
		defer close(sub.done)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		var lastHash common.Hash

		poll := func() {
			header, err := p.eth.HeaderByNumber(ctx, nil)
			if err != nil {
				p.log.Debugw("head poll failed", "error", err)
				return
			}
			if header.Hash() == lastHash {
				return
			}
			lastHash = header.Hash()

			select {
			case ch <- header:
			case <-ctx.Done():
			case <-sub.quit:
			}
		}

		poll()
		for {
			select {
			case <-ticker.C:
				poll()
			case <-ctx.Done():
				sub.fail(ctx.Err())
				return
			case <-sub.quit:
				return
			}
		}
	}()

	return sub, nil
}

// pollSubscription implements ethereum.Subscription for the polling provider.
type pollSubscription struct {
	quit  chan struct{}
	done  chan struct{}
	errCh chan error
	once  sync.Once
}

func newPollSubscription() *pollSubscription {
	return &pollSubscription{
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		errCh: make(chan error, 1),
	}
}

func (s *pollSubscription) Unsubscribe() {
	s.once.Do(func() { close(s.quit) })
	<-s.done
}

func (s *pollSubscription) Err() <-chan error {
	return s.errCh
}

func (s *pollSubscription) fail(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}
