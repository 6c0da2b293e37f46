package composable

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/cowprotocol/watch-tower/internal/orderbook"
	"github.com/cowprotocol/watch-tower/internal/registry"
)

// getTradeableOrderWithSignature(owner, params, offchainInput, proof) is the
// composable contract's poll entrypoint. It either returns a discrete order
// plus its EIP-1271 signature payload or reverts with one of the custom
// errors below.
const sigGetTradeableOrder = "getTradeableOrderWithSignature(address,(address,bytes32,bytes),bytes,bytes32[])"

var selGetTradeableOrder = crypto.Keccak256([]byte(sigGetTradeableOrder))[:4]

// Custom error selectors of the composable contract and its order handlers.
var (
	selOrderNotValid         = errorSelector("OrderNotValid(string)")
	selSingleOrderNotAuthed  = errorSelector("SingleOrderNotAuthed()")
	selProofNotAuthed        = errorSelector("ProofNotAuthed()")
	selInvalidHandler        = errorSelector("InvalidHandler()")
	selSwapGuardRestricted   = errorSelector("SwapGuardRestricted()")
	selInterfaceNotSupported = errorSelector("InterfaceNotSupported()")
	selPollTryNextBlock      = errorSelector("PollTryNextBlock(string)")
	selPollTryAtBlock        = errorSelector("PollTryAtBlock(uint256,string)")
	selPollTryAtEpoch        = errorSelector("PollTryAtEpoch(uint256,string)")
	selPollNever             = errorSelector("PollNever(string)")
)

func errorSelector(sig string) [4]byte {
	return [4]byte(crypto.Keccak256([]byte(sig))[:4])
}

var (
	paramsComponents = []abi.ArgumentMarshaling{
		{Name: "handler", Type: "address"},
		{Name: "salt", Type: "bytes32"},
		{Name: "staticInput", Type: "bytes"},
	}

	orderComponents = []abi.ArgumentMarshaling{
		{Name: "sellToken", Type: "address"},
		{Name: "buyToken", Type: "address"},
		{Name: "receiver", Type: "address"},
		{Name: "sellAmount", Type: "uint256"},
		{Name: "buyAmount", Type: "uint256"},
		{Name: "validTo", Type: "uint32"},
		{Name: "appData", Type: "bytes32"},
		{Name: "feeAmount", Type: "uint256"},
		{Name: "kind", Type: "bytes32"},
		{Name: "partiallyFillable", Type: "bool"},
		{Name: "sellTokenBalance", Type: "bytes32"},
		{Name: "buyTokenBalance", Type: "bytes32"},
	}

	addressType  = mustNewType("address", nil)
	bytesType    = mustNewType("bytes", nil)
	bytes32sType = mustNewType("bytes32[]", nil)
	stringType   = mustNewType("string", nil)
	uint256Type  = mustNewType("uint256", nil)
	paramsType   = mustNewType("tuple", paramsComponents)
	orderType    = mustNewType("tuple", orderComponents)

	callInputs  = abi.Arguments{{Type: addressType}, {Type: paramsType}, {Type: bytesType}, {Type: bytes32sType}}
	callOutputs = abi.Arguments{{Type: orderType}, {Type: bytesType}}

	stringArgs        = abi.Arguments{{Type: stringType}}
	uint256StringArgs = abi.Arguments{{Type: uint256Type}, {Type: stringType}}
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

type orderABI struct {
	SellToken         common.Address
	BuyToken          common.Address
	Receiver          common.Address
	SellAmount        *big.Int
	BuyAmount         *big.Int
	ValidTo           uint32
	AppData           [32]byte
	FeeAmount         *big.Int
	Kind              [32]byte
	PartiallyFillable bool
	SellTokenBalance  [32]byte
	BuyTokenBalance   [32]byte
}

// The contract encodes order kind and balance source as keccak hashes of
// their names.
var (
	kindSellHash = crypto.Keccak256Hash([]byte(orderbook.OrderKindSell))
	kindBuyHash  = crypto.Keccak256Hash([]byte(orderbook.OrderKindBuy))

	balanceERC20Hash    = crypto.Keccak256Hash([]byte(orderbook.BalanceERC20))
	balanceExternalHash = crypto.Keccak256Hash([]byte(orderbook.BalanceExternal))
	balanceInternalHash = crypto.Keccak256Hash([]byte(orderbook.BalanceInternal))
)

func packPollCall(owner common.Address, params registry.ConditionalOrderParams, proof []common.Hash) ([]byte, error) {
	path := make([][32]byte, 0, len(proof))
	for _, p := range proof {
		path = append(path, [32]byte(p))
	}

	args, err := callInputs.Pack(
		owner,
		paramsABI{
			Handler:     params.Handler,
			Salt:        [32]byte(params.Salt),
			StaticInput: params.StaticInput,
		},
		[]byte{},
		path,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pack poll call: %w", err)
	}

	return append(append([]byte{}, selGetTradeableOrder...), args...), nil
}

func unpackPollResult(ret []byte) (*orderbook.Order, []byte, error) {
	out, err := callOutputs.Unpack(ret)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to unpack poll result: %w", err)
	}

	raw := *abi.ConvertType(out[0], new(orderABI)).(*orderABI)
	signature := *abi.ConvertType(out[1], new([]byte)).(*[]byte)

	kind, err := orderKind(common.Hash(raw.Kind))
	if err != nil {
		return nil, nil, err
	}
	sellBalance, err := balanceSource(common.Hash(raw.SellTokenBalance))
	if err != nil {
		return nil, nil, fmt.Errorf("sell token balance: %w", err)
	}
	buyBalance, err := balanceSource(common.Hash(raw.BuyTokenBalance))
	if err != nil {
		return nil, nil, fmt.Errorf("buy token balance: %w", err)
	}

	return &orderbook.Order{
		SellToken:         raw.SellToken,
		BuyToken:          raw.BuyToken,
		Receiver:          raw.Receiver,
		SellAmount:        raw.SellAmount,
		BuyAmount:         raw.BuyAmount,
		ValidTo:           raw.ValidTo,
		AppData:           common.Hash(raw.AppData),
		FeeAmount:         raw.FeeAmount,
		Kind:              kind,
		PartiallyFillable: raw.PartiallyFillable,
		SellTokenBalance:  sellBalance,
		BuyTokenBalance:   buyBalance,
	}, signature, nil
}

func orderKind(h common.Hash) (orderbook.OrderKind, error) {
	switch h {
	case kindSellHash:
		return orderbook.OrderKindSell, nil
	case kindBuyHash:
		return orderbook.OrderKindBuy, nil
	default:
		return "", fmt.Errorf("unknown order kind %s", h.Hex())
	}
}

func balanceSource(h common.Hash) (orderbook.BalanceSource, error) {
	switch h {
	case balanceERC20Hash:
		return orderbook.BalanceERC20, nil
	case balanceExternalHash:
		return orderbook.BalanceExternal, nil
	case balanceInternalHash:
		return orderbook.BalanceInternal, nil
	default:
		return "", fmt.Errorf("unknown balance source %s", h.Hex())
	}
}

func unpackStringArg(data []byte) string {
	out, err := stringArgs.Unpack(data)
	if err != nil {
		return ""
	}
	return *abi.ConvertType(out[0], new(string)).(*string)
}

func unpackUint256StringArgs(data []byte) (*big.Int, string) {
	out, err := uint256StringArgs.Unpack(data)
	if err != nil {
		return nil, ""
	}
	n := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	s := *abi.ConvertType(out[1], new(string)).(*string)
	return n, s
}
