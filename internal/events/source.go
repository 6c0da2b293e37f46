package events

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/cowprotocol/watch-tower/internal/chain"
	"github.com/cowprotocol/watch-tower/internal/logger"
	"github.com/cowprotocol/watch-tower/internal/registry"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Event is a decoded composable-contract event. Concrete types are
// ConditionalOrderCreatedEvent and MerkleRootSetEvent.
type Event interface {
	BlockNumber() uint64
	LogIndex() uint
	Contract() common.Address
}

// ConditionalOrderCreatedEvent announces a new conditional order.
type ConditionalOrderCreatedEvent struct {
	Owner  common.Address
	Params registry.ConditionalOrderParams
	Raw    types.Log
}

func (e *ConditionalOrderCreatedEvent) BlockNumber() uint64      { return e.Raw.BlockNumber }
func (e *ConditionalOrderCreatedEvent) LogIndex() uint           { return e.Raw.Index }
func (e *ConditionalOrderCreatedEvent) Contract() common.Address { return e.Raw.Address }

// MerkleOrder is one conditional order inside an emitted merkle batch.
type MerkleOrder struct {
	Path   []common.Hash
	Params registry.ConditionalOrderParams
}

// MerkleRootSetEvent publishes (or supersedes) an owner's merkle batch.
type MerkleRootSetEvent struct {
	Owner    common.Address
	Root     common.Hash
	Location ProofLocation
	Orders   []MerkleOrder
	Raw      types.Log
}

func (e *MerkleRootSetEvent) BlockNumber() uint64      { return e.Raw.BlockNumber }
func (e *MerkleRootSetEvent) LogIndex() uint           { return e.Raw.Index }
func (e *MerkleRootSetEvent) Contract() common.Address { return e.Raw.Address }

// Source translates a block range into a time-ordered stream of decoded
// events, optionally filtered by an owner allow-list.
type Source struct {
	provider chain.Provider
	owners   map[common.Address]struct{}
	log      *logger.Logger
}

// NewSource builds an event source. An empty owner list disables filtering.
func NewSource(provider chain.Provider, owners []common.Address, log *logger.Logger) *Source {
	allowList := make(map[common.Address]struct{}, len(owners))
	for _, owner := range owners {
		allowList[owner] = struct{}{}
	}

	return &Source{
		provider: provider,
		owners:   allowList,
		log:      log.WithComponent("event-source"),
	}
}

// Events fetches and decodes both event topics for [fromBlock, toBlock].
// A nil toBlock means "latest": whatever the node considers the tip at query
// time. Logs that fail to decode are dropped, not fatal. The returned slice
// is (blockNumber, logIndex) ascending.
func (s *Source) Events(ctx context.Context, fromBlock uint64, toBlock *uint64) ([]Event, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Topics: [][]common.Hash{
			{TopicConditionalOrderCreated, TopicMerkleRootSet},
		},
	}
	if toBlock != nil {
		query.ToBlock = new(big.Int).SetUint64(*toBlock)
	}

	logs, err := s.provider.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch logs: %w", err)
	}

	events := make([]Event, 0, len(logs))
	for _, lg := range logs {
		event, err := s.decode(lg)
		if err != nil {
			// not the event you think it is
			s.log.Debugw("dropping undecodable log",
				"block", lg.BlockNumber,
				"log_index", lg.Index,
				"tx", lg.TxHash.Hex(),
				"error", err,
			)
			continue
		}
		if event == nil {
			continue
		}
		events = append(events, event)
	}

	// The RPC contract already promises (blockNumber, logIndex) ascending;
	// restore it here in case a provider misbehaves.
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber() != events[j].BlockNumber() {
			return events[i].BlockNumber() < events[j].BlockNumber()
		}
		return events[i].LogIndex() < events[j].LogIndex()
	})

	return events, nil
}

// FromLogs decodes an already fetched log set, applying the same owner
// filtering and ordering as Events. Used when replaying a transaction's
// receipt logs.
func (s *Source) FromLogs(logs []types.Log) []Event {
	events := make([]Event, 0, len(logs))
	for _, lg := range logs {
		event, err := s.decode(lg)
		if err != nil || event == nil {
			continue
		}
		events = append(events, event)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber() != events[j].BlockNumber() {
			return events[i].BlockNumber() < events[j].BlockNumber()
		}
		return events[i].LogIndex() < events[j].LogIndex()
	})

	return events
}

// decode routes a log by topic. It returns (nil, nil) for events suppressed
// by the owner allow-list.
func (s *Source) decode(lg types.Log) (Event, error) {
	if len(lg.Topics) == 0 {
		return nil, fmt.Errorf("log without topics")
	}

	switch lg.Topics[0] {
	case TopicConditionalOrderCreated:
		event, err := DecodeConditionalOrderCreated(lg)
		if err != nil {
			return nil, err
		}
		if !s.allowed(event.Owner) {
			return nil, nil
		}
		return event, nil

	case TopicMerkleRootSet:
		event, err := DecodeMerkleRootSet(lg)
		if err != nil {
			return nil, err
		}
		if !s.allowed(event.Owner) {
			return nil, nil
		}
		return event, nil

	default:
		return nil, fmt.Errorf("unknown topic %s", lg.Topics[0].Hex())
	}
}

func (s *Source) allowed(owner common.Address) bool {
	if len(s.owners) == 0 {
		return true
	}
	_, ok := s.owners[owner]
	return ok
}
