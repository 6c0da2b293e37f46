package composable

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/cowprotocol/watch-tower/internal/logger"
	"github.com/cowprotocol/watch-tower/internal/poller"
	"github.com/cowprotocol/watch-tower/internal/registry"
)

// fakeProvider records the eth_call and plays back a canned result.
type fakeProvider struct {
	lastMsg   ethereum.CallMsg
	lastBlock *big.Int
	ret       []byte
	err       error
}

func (p *fakeProvider) CallContract(_ context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	p.lastMsg = msg
	p.lastBlock = blockNumber
	return p.ret, p.err
}

func (p *fakeProvider) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (p *fakeProvider) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return nil, nil
}

func (p *fakeProvider) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (p *fakeProvider) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return nil, nil
}

func (p *fakeProvider) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, nil
}

func (p *fakeProvider) SubscribeNewHead(context.Context, chan<- *types.Header) (ethereum.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (p *fakeProvider) Close() {}

// revertError mimics the rpc error shape nodes use for custom reverts.
type revertError struct {
	data interface{}
}

func (e *revertError) Error() string          { return "execution reverted" }
func (e *revertError) ErrorData() interface{} { return e.data }

func revertWith(t *testing.T, sel [4]byte, args abi.Arguments, vals ...interface{}) error {
	t.Helper()
	packed, err := args.Pack(vals...)
	require.NoError(t, err)
	return &revertError{data: hexutil.Encode(append(sel[:], packed...))}
}

var (
	testOwner    = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	testContract = common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
)

func testRequest(order *registry.ConditionalOrder) poller.Request {
	return poller.Request{
		Owner: testOwner,
		Order: order,
		Block: registry.RegistryBlock{Number: 100, Timestamp: 1200},
	}
}

func testOrder() *registry.ConditionalOrder {
	return registry.NewConditionalOrder(
		common.HexToHash("0x01"),
		registry.ConditionalOrderParams{
			Handler:     common.HexToAddress("0x1111111111111111111111111111111111111111"),
			Salt:        common.HexToHash("0x02"),
			StaticInput: hexutil.MustDecode("0xdeadbeef"),
		},
		nil,
		testContract,
	)
}

func packedResult(t *testing.T, raw orderABI, signature []byte) []byte {
	t.Helper()
	ret, err := callOutputs.Pack(raw, signature)
	require.NoError(t, err)
	return ret
}

func validOrderABI() orderABI {
	return orderABI{
		SellToken:         common.HexToAddress("0x2222222222222222222222222222222222222222"),
		BuyToken:          common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Receiver:          common.HexToAddress("0x4444444444444444444444444444444444444444"),
		SellAmount:        big.NewInt(1000),
		BuyAmount:         big.NewInt(900),
		ValidTo:           1700000000,
		AppData:           [32]byte{0xab},
		FeeAmount:         big.NewInt(0),
		Kind:              [32]byte(kindSellHash),
		PartiallyFillable: false,
		SellTokenBalance:  [32]byte(balanceERC20Hash),
		BuyTokenBalance:   [32]byte(balanceERC20Hash),
	}
}

func TestPollSuccess(t *testing.T) {
	signature := hexutil.MustDecode("0x0badc0de")
	provider := &fakeProvider{ret: packedResult(t, validOrderABI(), signature)}
	handler := NewHandler(provider, logger.NewNopLogger())

	result := handler.Poll(context.Background(), testRequest(testOrder()))

	require.Equal(t, registry.PollResultSuccess, result.Kind)
	require.NotNil(t, result.Order)
	require.Equal(t, "sell", string(result.Order.Kind))
	require.Equal(t, "erc20", string(result.Order.SellTokenBalance))
	require.Equal(t, big.NewInt(1000), result.Order.SellAmount)
	require.Equal(t, hexutil.Bytes(signature), result.Signature)

	require.Equal(t, &testContract, provider.lastMsg.To)
	require.Nil(t, provider.lastBlock)
	require.Equal(t, selGetTradeableOrder, provider.lastMsg.Data[:4])
}

func TestPollPacksOwnerParamsAndProof(t *testing.T) {
	order := testOrder()
	order.Proof = &registry.Proof{
		MerkleRoot: common.HexToHash("0x05"),
		Path:       []common.Hash{common.HexToHash("0x06"), common.HexToHash("0x07")},
	}

	provider := &fakeProvider{ret: packedResult(t, validOrderABI(), []byte{0x01})}
	handler := NewHandler(provider, logger.NewNopLogger())

	result := handler.Poll(context.Background(), testRequest(order))
	require.Equal(t, registry.PollResultSuccess, result.Kind)

	out, err := callInputs.Unpack(provider.lastMsg.Data[4:])
	require.NoError(t, err)

	owner := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	params := *abi.ConvertType(out[1], new(paramsABI)).(*paramsABI)
	path := *abi.ConvertType(out[3], new([][32]byte)).(*[][32]byte)

	require.Equal(t, testOwner, owner)
	require.Equal(t, order.Params.Handler, params.Handler)
	require.Equal(t, [32]byte(order.Params.Salt), params.Salt)
	require.Equal(t, []byte(order.Params.StaticInput), params.StaticInput)
	require.Equal(t, [][32]byte{[32]byte(order.Proof.Path[0]), [32]byte(order.Proof.Path[1])}, path)
}

func TestPollPinsReplayBlock(t *testing.T) {
	provider := &fakeProvider{ret: packedResult(t, validOrderABI(), []byte{0x01})}
	handler := NewHandler(provider, logger.NewNopLogger())

	req := testRequest(testOrder())
	blockNumber := uint64(42)
	req.BlockNumberOverride = &blockNumber

	result := handler.Poll(context.Background(), req)
	require.Equal(t, registry.PollResultSuccess, result.Kind)
	require.Equal(t, big.NewInt(42), provider.lastBlock)
}

func TestPollTryNextBlockRevert(t *testing.T) {
	provider := &fakeProvider{err: revertWith(t, selPollTryNextBlock, stringArgs, "not ready")}
	handler := NewHandler(provider, logger.NewNopLogger())

	result := handler.Poll(context.Background(), testRequest(testOrder()))

	require.Equal(t, registry.PollResultTryNextBlock, result.Kind)
	require.Equal(t, "not ready", result.Reason)
}

func TestPollTryAtBlockRevert(t *testing.T) {
	provider := &fakeProvider{err: revertWith(t, selPollTryAtBlock, uint256StringArgs, big.NewInt(150), "auction closed")}
	handler := NewHandler(provider, logger.NewNopLogger())

	result := handler.Poll(context.Background(), testRequest(testOrder()))

	require.Equal(t, registry.PollResultTryAtBlock, result.Kind)
	require.Equal(t, uint64(150), result.BlockNumber)
	require.Equal(t, "auction closed", result.Reason)
}

func TestPollTryAtEpochRevert(t *testing.T) {
	provider := &fakeProvider{err: revertWith(t, selPollTryAtEpoch, uint256StringArgs, big.NewInt(1700000000), "twap not due")}
	handler := NewHandler(provider, logger.NewNopLogger())

	result := handler.Poll(context.Background(), testRequest(testOrder()))

	require.Equal(t, registry.PollResultTryAtEpoch, result.Kind)
	require.Equal(t, int64(1700000000), result.Epoch)
	require.Equal(t, "twap not due", result.Reason)
}

func TestPollNeverRevert(t *testing.T) {
	provider := &fakeProvider{err: revertWith(t, selPollNever, stringArgs, "expired")}
	handler := NewHandler(provider, logger.NewNopLogger())

	result := handler.Poll(context.Background(), testRequest(testOrder()))

	require.Equal(t, registry.PollResultDontTryAgain, result.Kind)
	require.Equal(t, "expired", result.Reason)
}

func TestOrderNotValidRevert(t *testing.T) {
	provider := &fakeProvider{err: revertWith(t, selOrderNotValid, stringArgs, "bad static input")}
	handler := NewHandler(provider, logger.NewNopLogger())

	result := handler.Poll(context.Background(), testRequest(testOrder()))

	require.Equal(t, registry.PollResultDontTryAgain, result.Kind)
	require.Contains(t, result.Reason, "bad static input")
}

func TestAuthRevokedRevert(t *testing.T) {
	for _, sel := range [][4]byte{selSingleOrderNotAuthed, selProofNotAuthed} {
		provider := &fakeProvider{err: &revertError{data: hexutil.Encode(sel[:])}}
		handler := NewHandler(provider, logger.NewNopLogger())

		result := handler.Poll(context.Background(), testRequest(testOrder()))
		require.Equal(t, registry.PollResultDontTryAgain, result.Kind)
	}
}

func TestUnknownRevertDefersToNextBlock(t *testing.T) {
	provider := &fakeProvider{err: &revertError{data: "0x12345678"}}
	handler := NewHandler(provider, logger.NewNopLogger())

	result := handler.Poll(context.Background(), testRequest(testOrder()))

	require.Equal(t, registry.PollResultTryNextBlock, result.Kind)
	require.Contains(t, result.Reason, "0x12345678")
}

func TestTransportErrorIsUnexpected(t *testing.T) {
	provider := &fakeProvider{err: errors.New("connection refused")}
	handler := NewHandler(provider, logger.NewNopLogger())

	result := handler.Poll(context.Background(), testRequest(testOrder()))

	require.Equal(t, registry.PollResultUnexpectedError, result.Kind)
	require.Error(t, result.Err)
}

func TestMalformedReturnIsUnexpected(t *testing.T) {
	raw := validOrderABI()
	raw.Kind = [32]byte{0xff}

	provider := &fakeProvider{ret: packedResult(t, raw, []byte{0x01})}
	handler := NewHandler(provider, logger.NewNopLogger())

	result := handler.Poll(context.Background(), testRequest(testOrder()))

	require.Equal(t, registry.PollResultUnexpectedError, result.Kind)
	require.Error(t, result.Err)
}
