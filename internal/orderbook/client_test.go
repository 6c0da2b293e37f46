package orderbook

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cowprotocol/watch-tower/internal/chain"
	"github.com/cowprotocol/watch-tower/internal/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func testDiscreteOrder() *Order {
	return &Order{
		SellToken:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
		BuyToken:         common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Receiver:         common.HexToAddress("0x3333333333333333333333333333333333333333"),
		SellAmount:       big.NewInt(1000000),
		BuyAmount:        big.NewInt(999999),
		ValidTo:          1700000000,
		AppData:          common.Hash{0x0a},
		FeeAmount:        big.NewInt(0),
		Kind:             OrderKindSell,
		SellTokenBalance: BalanceERC20,
		BuyTokenBalance:  BalanceERC20,
	}
}

func testSubmission() Submission {
	return Submission{
		Order:         testDiscreteOrder(),
		Owner:         common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		Signature:     []byte{0x01, 0x02},
		SigningScheme: "eip1271",
	}
}

func fastRetry() *chain.RetryConfig {
	return &chain.RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestOrderUIDShape(t *testing.T) {
	order := testDiscreteOrder()
	owner := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	uid := order.UID(owner)

	require.Equal(t, order.Digest().Bytes(), uid[:32])
	require.Equal(t, owner.Bytes(), uid[32:52])

	// deterministic across calls
	require.Equal(t, uid, order.UID(owner))

	// a different order yields a different UID
	other := testDiscreteOrder()
	other.SellAmount = big.NewInt(42)
	require.NotEqual(t, uid, other.UID(owner))
}

func TestSubmitOrderAccepted(t *testing.T) {
	var posted int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/orders", r.URL.Path)
		posted++
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := NewClient(server.URL, fastRetry(), logger.NewNopLogger())
	require.NoError(t, client.SubmitOrder(context.Background(), testSubmission()))
	require.Equal(t, 1, posted)
}

func TestSubmitOrderDuplicate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errorType":"DuplicatedOrder","description":"order already exists"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, fastRetry(), logger.NewNopLogger())
	err := client.SubmitOrder(context.Background(), testSubmission())
	require.ErrorIs(t, err, ErrDuplicateOrder)
}

func TestSubmitOrderRejectedNoRetry(t *testing.T) {
	var posted int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posted++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errorType":"InsufficientBalance","description":"not enough funds"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, fastRetry(), logger.NewNopLogger())
	err := client.SubmitOrder(context.Background(), testSubmission())

	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	require.Equal(t, "InsufficientBalance", rejection.ErrorType)
	require.Equal(t, 1, posted)
}

func TestSubmitOrderRetriesServerErrors(t *testing.T) {
	var posted int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posted++
		if posted < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := NewClient(server.URL, fastRetry(), logger.NewNopLogger())
	require.NoError(t, client.SubmitOrder(context.Background(), testSubmission()))
	require.Equal(t, 3, posted)
}

func TestSubmitOrderExhaustsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, fastRetry(), logger.NewNopLogger())
	err := client.SubmitOrder(context.Background(), testSubmission())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrDuplicateOrder)
}

func TestDryRunSubmitter(t *testing.T) {
	submitter := NewDryRunSubmitter(logger.NewNopLogger())
	require.NoError(t, submitter.SubmitOrder(context.Background(), testSubmission()))
}
