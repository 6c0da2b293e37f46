// Package composable polls conditional orders by calling the composable
// contract's getTradeableOrderWithSignature entrypoint. The contract either
// returns a signed discrete order or reverts with a custom error that tells
// the caller when, if ever, to poll again.
package composable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/cowprotocol/watch-tower/internal/chain"
	"github.com/cowprotocol/watch-tower/internal/logger"
	"github.com/cowprotocol/watch-tower/internal/poller"
)

// Handler evaluates conditional orders on-chain via eth_call against the
// contract that emitted them.
type Handler struct {
	provider chain.Provider
	log      *logger.Logger
}

var _ poller.Handler = (*Handler)(nil)

// NewHandler builds the on-chain order handler.
func NewHandler(provider chain.Provider, log *logger.Logger) *Handler {
	return &Handler{
		provider: provider,
		log:      log.WithComponent("order-handler"),
	}
}

// Poll calls getTradeableOrderWithSignature on the order's source contract.
// Replays pin the call to the overridden block number; live polls run against
// the latest state.
func (h *Handler) Poll(ctx context.Context, req poller.Request) poller.Result {
	var proof []common.Hash
	if req.Order.Proof != nil {
		proof = req.Order.Proof.Path
	}

	calldata, err := packPollCall(req.Owner, req.Order.Params, proof)
	if err != nil {
		return poller.UnexpectedError(err)
	}

	var blockNumber *big.Int
	if req.BlockNumberOverride != nil {
		blockNumber = new(big.Int).SetUint64(*req.BlockNumberOverride)
	}

	contract := req.Order.SourceContract
	ret, err := h.provider.CallContract(ctx, ethereum.CallMsg{
		To:   &contract,
		Data: calldata,
	}, blockNumber)
	if err != nil {
		return h.resultFromError(err)
	}

	order, signature, err := unpackPollResult(ret)
	if err != nil {
		return poller.UnexpectedError(fmt.Errorf("contract %s returned malformed order: %w", contract.Hex(), err))
	}

	return poller.Success(order, hexutil.Bytes(signature))
}

// resultFromError turns a failed eth_call into a poll result. Custom reverts
// carry the contract's scheduling hints; anything else is a transport problem
// and surfaces as an unexpected error.
func (h *Handler) resultFromError(err error) poller.Result {
	data, ok := revertData(err)
	if !ok {
		return poller.UnexpectedError(err)
	}
	if len(data) < 4 {
		return poller.TryNextBlock("reverted without data")
	}

	var sel [4]byte
	copy(sel[:], data[:4])
	args := data[4:]

	switch sel {
	case selPollTryNextBlock:
		return poller.TryNextBlock(unpackStringArg(args))
	case selPollTryAtBlock:
		n, reason := unpackUint256StringArgs(args)
		if n == nil || !n.IsUint64() {
			return poller.TryNextBlock("malformed block hint: " + reason)
		}
		return poller.TryAtBlock(n.Uint64(), reason)
	case selPollTryAtEpoch:
		n, reason := unpackUint256StringArgs(args)
		if n == nil || !n.IsInt64() {
			return poller.TryNextBlock("malformed epoch hint: " + reason)
		}
		return poller.TryAtEpoch(n.Int64(), reason)
	case selPollNever:
		return poller.DontTryAgain(unpackStringArg(args))
	case selOrderNotValid:
		return poller.DontTryAgain("order not valid: " + unpackStringArg(args))
	case selSingleOrderNotAuthed, selProofNotAuthed:
		// The owner revoked the order authorisation on-chain.
		return poller.DontTryAgain("order authorisation revoked")
	case selInvalidHandler, selSwapGuardRestricted, selInterfaceNotSupported:
		return poller.DontTryAgain("contract rejected order: " + hexutil.Encode(sel[:]))
	default:
		h.log.Debugw("unrecognised revert polling order", "selector", hexutil.Encode(sel[:]))
		return poller.TryNextBlock("unrecognised revert " + hexutil.Encode(sel[:]))
	}
}

// revertData extracts the ABI-encoded revert payload from an eth_call error.
func revertData(err error) ([]byte, bool) {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return nil, false
	}

	switch data := de.ErrorData().(type) {
	case string:
		raw, decodeErr := hexutil.Decode(data)
		if decodeErr != nil {
			return nil, false
		}
		return raw, true
	case []byte:
		return data, true
	case nil:
		// Some nodes report reverts without any payload.
		if isRevert(err) {
			return []byte{}, true
		}
		return nil, false
	default:
		return nil, false
	}
}

func isRevert(err error) bool {
	return err != nil && bytes.Contains([]byte(err.Error()), []byte("revert"))
}
