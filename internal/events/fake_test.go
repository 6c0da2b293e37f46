package events

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeProviderBase supplies the chain.Provider methods the event tests never
// touch.
type fakeProviderBase struct{}

func (fakeProviderBase) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (fakeProviderBase) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return nil, errors.New("not implemented")
}

func (fakeProviderBase) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (fakeProviderBase) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return nil, nil
}

func (fakeProviderBase) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

func (fakeProviderBase) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, errors.New("not implemented")
}

func (fakeProviderBase) SubscribeNewHead(context.Context, chan<- *types.Header) (ethereum.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (fakeProviderBase) Close() {}
