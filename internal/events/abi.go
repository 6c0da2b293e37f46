package events

import (
	"fmt"
	"math/big"

	"github.com/cowprotocol/watch-tower/internal/registry"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Event signatures of the composable contract. The owner is indexed in both,
// so it arrives as a topic and only the remaining fields live in the data.
const (
	sigConditionalOrderCreated = "ConditionalOrderCreated(address,(address,bytes32,bytes))"
	sigMerkleRootSet           = "MerkleRootSet(address,bytes32,(uint256,bytes))"
)

// Topic hashes the event source filters on.
var (
	TopicConditionalOrderCreated = crypto.Keccak256Hash([]byte(sigConditionalOrderCreated))
	TopicMerkleRootSet           = crypto.Keccak256Hash([]byte(sigMerkleRootSet))
)

// ProofLocation says where the orders of a merkle-published batch live.
type ProofLocation uint8

const (
	// ProofLocationPrivate means the batch is not published on-chain.
	ProofLocationPrivate ProofLocation = 0
	// ProofLocationEmitted means the batch rides in the event data itself.
	ProofLocationEmitted ProofLocation = 1
)

var (
	paramsComponents = []abi.ArgumentMarshaling{
		{Name: "handler", Type: "address"},
		{Name: "salt", Type: "bytes32"},
		{Name: "staticInput", Type: "bytes"},
	}

	paramsType = mustNewType("tuple", paramsComponents)

	proofType = mustNewType("tuple", []abi.ArgumentMarshaling{
		{Name: "location", Type: "uint256"},
		{Name: "data", Type: "bytes"},
	})

	rootType = mustNewType("bytes32", nil)

	// Payload of an emitted proof: an array of (path, params) entries.
	emittedOrdersType = mustNewType("tuple[]", []abi.ArgumentMarshaling{
		{Name: "path", Type: "bytes32[]"},
		{Name: "params", Type: "tuple", Components: paramsComponents},
	})

	conditionalOrderCreatedArgs = abi.Arguments{{Type: paramsType}}
	merkleRootSetArgs           = abi.Arguments{{Type: rootType}, {Type: proofType}}
	emittedOrdersArgs           = abi.Arguments{{Type: emittedOrdersType}}
)

func mustNewType(t string, components []abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType(t, "", components)
	if err != nil {
		panic(err)
	}
	return typ
}

type paramsABI struct {
	Handler     common.Address
	Salt        [32]byte
	StaticInput []byte
}

type proofABI struct {
	Location *big.Int
	Data     []byte
}

type emittedOrderABI struct {
	Path   [][32]byte
	Params paramsABI
}

func toParams(p paramsABI) registry.ConditionalOrderParams {
	return registry.ConditionalOrderParams{
		Handler:     p.Handler,
		Salt:        common.Hash(p.Salt),
		StaticInput: p.StaticInput,
	}
}

// DecodeConditionalOrderCreated decodes a ConditionalOrderCreated log.
func DecodeConditionalOrderCreated(log types.Log) (*ConditionalOrderCreatedEvent, error) {
	if len(log.Topics) != 2 || log.Topics[0] != TopicConditionalOrderCreated {
		return nil, fmt.Errorf("not a ConditionalOrderCreated log")
	}

	out, err := conditionalOrderCreatedArgs.Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack ConditionalOrderCreated data: %w", err)
	}

	params := *abi.ConvertType(out[0], new(paramsABI)).(*paramsABI)

	return &ConditionalOrderCreatedEvent{
		Owner:  common.BytesToAddress(log.Topics[1].Bytes()),
		Params: toParams(params),
		Raw:    log,
	}, nil
}

// DecodeMerkleRootSet decodes a MerkleRootSet log. When the proof location is
// "emitted", the proof data is further decoded into the batch's orders.
func DecodeMerkleRootSet(log types.Log) (*MerkleRootSetEvent, error) {
	if len(log.Topics) != 2 || log.Topics[0] != TopicMerkleRootSet {
		return nil, fmt.Errorf("not a MerkleRootSet log")
	}

	out, err := merkleRootSetArgs.Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack MerkleRootSet data: %w", err)
	}

	root := *abi.ConvertType(out[0], new([32]byte)).(*[32]byte)
	proof := *abi.ConvertType(out[1], new(proofABI)).(*proofABI)

	event := &MerkleRootSetEvent{
		Owner:    common.BytesToAddress(log.Topics[1].Bytes()),
		Root:     common.Hash(root),
		Location: ProofLocation(proof.Location.Uint64()),
		Raw:      log,
	}

	if event.Location == ProofLocationEmitted {
		orders, err := decodeEmittedOrders(proof.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode emitted merkle orders: %w", err)
		}
		event.Orders = orders
	}

	return event, nil
}

func decodeEmittedOrders(data []byte) ([]MerkleOrder, error) {
	out, err := emittedOrdersArgs.Unpack(data)
	if err != nil {
		return nil, err
	}

	raw := *abi.ConvertType(out[0], new([]emittedOrderABI)).(*[]emittedOrderABI)

	orders := make([]MerkleOrder, 0, len(raw))
	for _, entry := range raw {
		path := make([]common.Hash, 0, len(entry.Path))
		for _, p := range entry.Path {
			path = append(path, common.Hash(p))
		}
		orders = append(orders, MerkleOrder{
			Path:   path,
			Params: toParams(entry.Params),
		})
	}

	return orders, nil
}

// EncodeConditionalOrderCreated packs an event back into log data. Test
// helper for the decoder and the replay commands.
func EncodeConditionalOrderCreated(params registry.ConditionalOrderParams) ([]byte, error) {
	return conditionalOrderCreatedArgs.Pack(paramsABI{
		Handler:     params.Handler,
		Salt:        [32]byte(params.Salt),
		StaticInput: params.StaticInput,
	})
}

// EncodeMerkleRootSet packs a MerkleRootSet event's data.
func EncodeMerkleRootSet(root common.Hash, location ProofLocation, orders []MerkleOrder) ([]byte, error) {
	var proofData []byte
	if location == ProofLocationEmitted {
		raw := make([]emittedOrderABI, 0, len(orders))
		for _, o := range orders {
			path := make([][32]byte, 0, len(o.Path))
			for _, p := range o.Path {
				path = append(path, [32]byte(p))
			}
			raw = append(raw, emittedOrderABI{
				Path: path,
				Params: paramsABI{
					Handler:     o.Params.Handler,
					Salt:        [32]byte(o.Params.Salt),
					StaticInput: o.Params.StaticInput,
				},
			})
		}
		var err error
		proofData, err = emittedOrdersArgs.Pack(raw)
		if err != nil {
			return nil, err
		}
	}

	return merkleRootSetArgs.Pack([32]byte(root), proofABI{
		Location: big.NewInt(int64(location)),
		Data:     proofData,
	})
}
