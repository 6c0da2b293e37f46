package registry

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// OrderUIDLength is the length of a discrete order UID:
// 32 bytes digest, 20 bytes owner, 4 bytes validTo.
const OrderUIDLength = 56

// OrderUID uniquely names a discrete order on the order-book.
type OrderUID [OrderUIDLength]byte

// OrderUIDFromBytes converts a raw byte slice into an OrderUID.
func OrderUIDFromBytes(b []byte) (OrderUID, error) {
	var uid OrderUID
	if len(b) != OrderUIDLength {
		return uid, fmt.Errorf("invalid order UID length %d, want %d", len(b), OrderUIDLength)
	}
	copy(uid[:], b)
	return uid, nil
}

// String returns the 0x-prefixed hex form of the UID.
func (u OrderUID) String() string {
	return hexutil.Encode(u[:])
}

// MarshalText implements encoding.TextMarshaler so UIDs can key JSON maps.
func (u OrderUID) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *OrderUID) UnmarshalText(text []byte) error {
	raw, err := hexutil.Decode(string(text))
	if err != nil {
		return fmt.Errorf("invalid order UID %q: %w", text, err)
	}
	uid, err := OrderUIDFromBytes(raw)
	if err != nil {
		return err
	}
	*u = uid
	return nil
}

// OrderStatus tracks the lifecycle of a discrete order we have emitted.
type OrderStatus int

const (
	// OrderStatusSubmitted means the order was accepted by the order-book.
	OrderStatusSubmitted OrderStatus = iota + 1
	// OrderStatusFilled means the order-book reported the order as filled.
	OrderStatusFilled
)

// String implements fmt.Stringer.
func (s OrderStatus) String() string {
	switch s {
	case OrderStatusSubmitted:
		return "SUBMITTED"
	case OrderStatusFilled:
		return "FILLED"
	default:
		return fmt.Sprintf("OrderStatus(%d)", int(s))
	}
}

// ConditionalOrderParams is the on-chain identity of a conditional order
// within an owner: the handler that evaluates it, a salt, and the handler's
// static input. Equality is bytewise over the triple.
type ConditionalOrderParams struct {
	Handler     common.Address `json:"handler"`
	Salt        common.Hash    `json:"salt"`
	StaticInput hexutil.Bytes  `json:"staticInput"`
}

// Equal reports bytewise equality of the params triple.
func (p ConditionalOrderParams) Equal(other ConditionalOrderParams) bool {
	return p.Handler == other.Handler &&
		p.Salt == other.Salt &&
		bytes.Equal(p.StaticInput, other.StaticInput)
}

// ID derives the conditional-order id as the keccak256 of the packed triple.
// It is stable across restarts and is the key the filter policy matches on.
func (p ConditionalOrderParams) ID() common.Hash {
	return crypto.Keccak256Hash(p.Handler.Bytes(), p.Salt.Bytes(), p.StaticInput)
}

// Proof locates a conditional order inside a merkle-published batch.
// A nil *Proof means the order was published as a single order.
type Proof struct {
	MerkleRoot common.Hash   `json:"merkleRoot"`
	Path       []common.Hash `json:"path"`
}

// RegistryBlock is the persisted cursor denoting the last block fully
// processed for a chain.
type RegistryBlock struct {
	Number    uint64      `json:"number"`
	Hash      common.Hash `json:"hash"`
	Timestamp int64       `json:"timestamp"`
}

// PollResultKind is the closed set of outcomes a poll of a conditional order
// can produce.
type PollResultKind string

const (
	PollResultSuccess         PollResultKind = "SUCCESS"
	PollResultTryNextBlock    PollResultKind = "TRY_NEXT_BLOCK"
	PollResultTryAtBlock      PollResultKind = "TRY_AT_BLOCK"
	PollResultTryAtEpoch      PollResultKind = "TRY_AT_EPOCH"
	PollResultDontTryAgain    PollResultKind = "DONT_TRY_AGAIN"
	PollResultUnexpectedError PollResultKind = "UNEXPECTED_ERROR"
)

// PollRecord captures the last poll attempt for a conditional order. The
// TryAt fields are set only for the matching deferral result and let later
// blocks honour the handler's hint without re-invoking it.
type PollRecord struct {
	Timestamp   int64          `json:"timestamp"`
	BlockNumber uint64         `json:"blockNumber"`
	Result      PollResultKind `json:"result"`
	TryAtBlock  uint64         `json:"tryAtBlock,omitempty"`
	TryAtEpoch  int64          `json:"tryAtEpoch,omitempty"`
}

// ConditionalOrder is a contract-declared intent observed on-chain. It tracks
// the discrete orders already emitted for it so submissions stay idempotent
// across reorgs and restarts.
type ConditionalOrder struct {
	// Tx is the transaction that created the conditional order.
	Tx common.Hash `json:"tx"`

	// Params is the (handler, salt, staticInput) triple.
	Params ConditionalOrderParams `json:"params"`

	// Proof is non-nil when the order belongs to a merkle-published batch.
	Proof *Proof `json:"proof,omitempty"`

	// Orders maps discrete order UIDs we have emitted to their status.
	// A UID, once present, is never removed; only its status advances.
	Orders map[OrderUID]OrderStatus `json:"-"`

	// SourceContract is the composable contract that emitted the event.
	SourceContract common.Address `json:"sourceContract"`

	// LastPoll records the most recent poll attempt, if any.
	LastPoll *PollRecord `json:"lastPoll,omitempty"`
}

// NewConditionalOrder builds a conditional order with an empty discrete-order
// set.
func NewConditionalOrder(
	tx common.Hash,
	params ConditionalOrderParams,
	proof *Proof,
	sourceContract common.Address,
) *ConditionalOrder {
	return &ConditionalOrder{
		Tx:             tx,
		Params:         params,
		Proof:          proof,
		Orders:         make(map[OrderUID]OrderStatus),
		SourceContract: sourceContract,
	}
}
