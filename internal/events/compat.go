package events

import (
	"bytes"
	"context"
	"sync"

	"github.com/cowprotocol/watch-tower/internal/chain"
	"github.com/cowprotocol/watch-tower/internal/logger"
	"github.com/ethereum/go-ethereum/common"
)

// CompatChecker decides whether a contract is composable-compatible before
// its events mutate the registry. The heuristic inspects the deployed
// byte-code: a contract that emits ConditionalOrderCreated carries the event
// topic hash as a push constant. Results are cached per address.
type CompatChecker struct {
	provider chain.Provider
	log      *logger.Logger

	mu    sync.Mutex
	cache map[common.Address]bool
}

// NewCompatChecker builds a checker over the given provider.
func NewCompatChecker(provider chain.Provider, log *logger.Logger) *CompatChecker {
	return &CompatChecker{
		provider: provider,
		log:      log.WithComponent("compat-checker"),
		cache:    make(map[common.Address]bool),
	}
}

// IsCompatible reports whether the contract at addr looks like a composable
// contract. Lookup errors are returned so the caller can count them without
// poisoning the cache.
func (c *CompatChecker) IsCompatible(ctx context.Context, addr common.Address) (bool, error) {
	c.mu.Lock()
	if compatible, ok := c.cache[addr]; ok {
		c.mu.Unlock()
		return compatible, nil
	}
	c.mu.Unlock()

	code, err := c.provider.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, err
	}

	compatible := len(code) > 0 && bytes.Contains(code, TopicConditionalOrderCreated.Bytes())
	if !compatible {
		c.log.Debugw("contract not composable-compatible", "contract", addr.Hex())
	}

	c.mu.Lock()
	c.cache[addr] = compatible
	c.mu.Unlock()

	return compatible, nil
}
