package registry

import (
	"testing"
	"time"

	"github.com/cowprotocol/watch-tower/internal/logger"
	"github.com/cowprotocol/watch-tower/internal/store"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(t.TempDir()+"/database", logger.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func testOrder(salt byte) *ConditionalOrder {
	return NewConditionalOrder(
		common.HexToHash("0x01"),
		ConditionalOrderParams{
			Handler:     common.HexToAddress("0x1111111111111111111111111111111111111111"),
			Salt:        common.Hash{salt},
			StaticInput: []byte{0xde, 0xad},
		},
		nil,
		common.HexToAddress("0x2222222222222222222222222222222222222222"),
	)
}

func merkleOrder(salt byte, root common.Hash) *ConditionalOrder {
	o := testOrder(salt)
	o.Proof = &Proof{MerkleRoot: root, Path: []common.Hash{{0x01}}}
	return o
}

func TestAddDeduplicatesByParams(t *testing.T) {
	r, err := Load(openTestStore(t), "1", logger.NewNopLogger())
	require.NoError(t, err)

	owner := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	require.True(t, r.Add(owner, testOrder(1)))
	require.False(t, r.Add(owner, testOrder(1)))
	require.True(t, r.Add(owner, testOrder(2)))

	require.Equal(t, 2, r.NumOrders())
	require.Equal(t, 1, r.NumOwners())
}

func TestFlushRemovesStaleMerkleOrders(t *testing.T) {
	r, err := Load(openTestStore(t), "1", logger.NewNopLogger())
	require.NoError(t, err)

	owner := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	oldRoot := common.Hash{0x0a}
	newRoot := common.Hash{0x0b}

	r.Add(owner, merkleOrder(1, oldRoot))
	r.Add(owner, merkleOrder(2, oldRoot))
	r.Add(owner, merkleOrder(3, oldRoot))
	r.Add(owner, testOrder(4)) // single order, survives flush

	removed := r.Flush(owner, newRoot)
	require.Equal(t, 3, removed)
	require.Equal(t, 1, r.NumOrders())

	for _, o := range r.OrdersFor(owner) {
		if o.Proof != nil {
			require.Equal(t, newRoot, o.Proof.MerkleRoot)
		}
	}
}

func TestDeleteOrder(t *testing.T) {
	r, err := Load(openTestStore(t), "1", logger.NewNopLogger())
	require.NoError(t, err)

	owner := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	order := testOrder(1)

	r.Add(owner, order)
	require.True(t, r.Delete(owner, order))
	require.False(t, r.Delete(owner, order))
	require.Equal(t, 0, r.NumOwners())
}

func TestDiscreteOrderStatusNeverRegresses(t *testing.T) {
	r, err := Load(openTestStore(t), "1", logger.NewNopLogger())
	require.NoError(t, err)

	order := testOrder(1)
	var uid OrderUID
	uid[0] = 0xaa

	r.RecordDiscreteOrder(order, uid, OrderStatusSubmitted)
	require.True(t, r.HasDiscreteOrder(order, uid))

	r.RecordDiscreteOrder(order, uid, OrderStatusFilled)
	require.Equal(t, OrderStatusFilled, order.Orders[uid])

	// status may only advance
	r.RecordDiscreteOrder(order, uid, OrderStatusSubmitted)
	require.Equal(t, OrderStatusFilled, order.Orders[uid])
}

func TestWriteLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)

	r, err := Load(s, "100", logger.NewNopLogger())
	require.NoError(t, err)

	owner := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	order := merkleOrder(1, common.Hash{0x0c})
	var uid OrderUID
	uid[55] = 0x01
	order.Orders[uid] = OrderStatusSubmitted
	order.LastPoll = &PollRecord{Timestamp: 1700000000, BlockNumber: 150, Result: PollResultSuccess}

	r.Add(owner, order)
	r.Add(owner, testOrder(2))
	r.SetLastProcessedBlock(RegistryBlock{Number: 150, Hash: common.Hash{0xff}, Timestamp: 1700000000})
	notified := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.SetLastNotifiedError(&notified)

	require.NoError(t, r.Write())

	loaded, err := Load(s, "100", logger.NewNopLogger())
	require.NoError(t, err)

	require.Equal(t, 2, loaded.NumOrders())
	require.Equal(t, 1, loaded.NumOwners())

	got := loaded.OrdersFor(owner)
	require.Len(t, got, 2)

	var reloaded *ConditionalOrder
	for _, o := range got {
		if o.Params.Equal(order.Params) {
			reloaded = o
		}
	}
	require.NotNil(t, reloaded)
	require.Equal(t, order.Proof.MerkleRoot, reloaded.Proof.MerkleRoot)
	require.Equal(t, OrderStatusSubmitted, reloaded.Orders[uid])
	require.Equal(t, PollResultSuccess, reloaded.LastPoll.Result)

	block := loaded.LastProcessedBlock()
	require.NotNil(t, block)
	require.Equal(t, uint64(150), block.Number)

	require.NotNil(t, loaded.LastNotifiedError())
	require.True(t, loaded.LastNotifiedError().Equal(notified))
}

func TestWriteLoadRoundTripEmpty(t *testing.T) {
	s := openTestStore(t)

	r, err := Load(s, "1", logger.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, r.Write())

	loaded, err := Load(s, "1", logger.NewNopLogger())
	require.NoError(t, err)
	require.Equal(t, 0, loaded.NumOrders())
	require.Nil(t, loaded.LastProcessedBlock())
	require.Nil(t, loaded.LastNotifiedError())
}

func TestLastNotifiedErrorClearedDeletesKey(t *testing.T) {
	s := openTestStore(t)

	r, err := Load(s, "1", logger.NewNopLogger())
	require.NoError(t, err)

	notified := time.Now().UTC().Truncate(time.Second)
	r.SetLastNotifiedError(&notified)
	require.NoError(t, r.Write())

	_, err = s.Get(store.Key(store.KeyLastNotified, "1"))
	require.NoError(t, err)

	r.SetLastNotifiedError(nil)
	require.NoError(t, r.Write())

	_, err = s.Get(store.Key(store.KeyLastNotified, "1"))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestLoadRejectsNewerVersion(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put(store.Key(store.KeyRegistryVersion, "1"), []byte("2")))

	_, err := Load(s, "1", logger.NewNopLogger())
	require.Error(t, err)
}

func TestNetworksAreIsolated(t *testing.T) {
	s := openTestStore(t)

	r1, err := Load(s, "1", logger.NewNopLogger())
	require.NoError(t, err)
	r1.Add(common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), testOrder(1))
	require.NoError(t, r1.Write())

	r100, err := Load(s, "100", logger.NewNopLogger())
	require.NoError(t, err)
	require.Equal(t, 0, r100.NumOrders())
}
