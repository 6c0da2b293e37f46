package filter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cowprotocol/watch-tower/internal/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	owner   = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	handler = common.HexToAddress("0x1111111111111111111111111111111111111111")
	txHash  = common.HexToHash("0x2222222222222222222222222222222222222222222222222222222222222222")
	orderID = common.HexToHash("0x3333333333333333333333333333333333333333333333333333333333333333")
)

func TestParsePolicy(t *testing.T) {
	policy, err := ParsePolicy([]byte(`
defaultAction: ACCEPT
owners:
  "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa": DROP
handlers:
  "0x1111111111111111111111111111111111111111": SKIP
`))
	require.NoError(t, err)

	require.Equal(t, ActionDrop, policy.Evaluate(Candidate{Owner: owner}))
	require.Equal(t, ActionSkip, policy.Evaluate(Candidate{Handler: handler}))
	require.Equal(t, ActionAccept, policy.Evaluate(Candidate{}))
}

func TestParsePolicyRejectsInvalid(t *testing.T) {
	_, err := ParsePolicy([]byte(`owners: {}`))
	require.Error(t, err) // missing defaultAction

	_, err = ParsePolicy([]byte(`defaultAction: MAYBE`))
	require.Error(t, err)

	_, err = ParsePolicy([]byte("defaultAction: ACCEPT\nowners:\n  \"not-an-address\": DROP\n"))
	require.Error(t, err)
}

func TestEvaluatePrecedence(t *testing.T) {
	policy := &Policy{
		defaultAction: ActionAccept,
		owners:        map[common.Address]Action{owner: ActionSkip},
		handlers:      map[common.Address]Action{handler: ActionSkip},
		transactions:  map[common.Hash]Action{txHash: ActionDrop},
		orderIDs:      map[common.Hash]Action{orderID: ActionAccept},
	}

	full := Candidate{Owner: owner, Handler: handler, TxHash: txHash, OrderID: orderID}

	// order id beats transaction beats owner beats handler
	require.Equal(t, ActionAccept, policy.Evaluate(full))

	full.OrderID = common.Hash{}
	require.Equal(t, ActionDrop, policy.Evaluate(full))

	full.TxHash = common.Hash{}
	require.Equal(t, ActionSkip, policy.Evaluate(full))

	full.Owner = common.Address{}
	require.Equal(t, ActionSkip, policy.Evaluate(full))

	full.Handler = common.Address{}
	require.Equal(t, ActionAccept, policy.Evaluate(full))
}

func TestLoaderKeepsLastGoodPolicy(t *testing.T) {
	fail := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("defaultAction: DROP\n"))
	}))
	defer server.Close()

	loader := NewLoader(server.URL, time.Hour, logger.NewNopLogger())

	require.NoError(t, loader.reload(context.Background()))
	require.Equal(t, ActionDrop, loader.Policy().Evaluate(Candidate{}))

	fail = true
	require.Error(t, loader.reload(context.Background()))
	// last good snapshot still in effect
	require.Equal(t, ActionDrop, loader.Policy().Evaluate(Candidate{}))
}

func TestLoaderWithoutURL(t *testing.T) {
	loader := NewLoader("", 0, logger.NewNopLogger())
	require.Equal(t, ActionAccept, loader.Policy().Evaluate(Candidate{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	loader.Run(ctx) // returns immediately
}
