package orderbook

import (
	"bytes"
	"encoding/binary"
	"math/big"

	"github.com/cowprotocol/watch-tower/internal/registry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// OrderKind says which side of the order is fixed.
type OrderKind string

const (
	OrderKindSell OrderKind = "sell"
	OrderKindBuy  OrderKind = "buy"
)

// BalanceSource selects where token balances are drawn from or credited to.
type BalanceSource string

const (
	BalanceERC20    BalanceSource = "erc20"
	BalanceExternal BalanceSource = "external"
	BalanceInternal BalanceSource = "internal"
)

// Order is a discrete, signable order ready for the order-book. It is what a
// successful conditional-order poll produces.
type Order struct {
	SellToken         common.Address
	BuyToken          common.Address
	Receiver          common.Address
	SellAmount        *big.Int
	BuyAmount         *big.Int
	ValidTo           uint32
	AppData           common.Hash
	FeeAmount         *big.Int
	Kind              OrderKind
	PartiallyFillable bool
	SellTokenBalance  BalanceSource
	BuyTokenBalance   BalanceSource
}

// Digest hashes the order fields into the 32-byte struct digest that anchors
// the order UID. The encoding is fixed-width so the digest is stable across
// processes.
func (o *Order) Digest() common.Hash {
	var buf bytes.Buffer

	buf.Write(o.SellToken.Bytes())
	buf.Write(o.BuyToken.Bytes())
	buf.Write(o.Receiver.Bytes())
	buf.Write(common.LeftPadBytes(o.SellAmount.Bytes(), 32))
	buf.Write(common.LeftPadBytes(o.BuyAmount.Bytes(), 32))

	var validTo [4]byte
	binary.BigEndian.PutUint32(validTo[:], o.ValidTo)
	buf.Write(validTo[:])

	buf.Write(o.AppData.Bytes())
	buf.Write(common.LeftPadBytes(o.FeeAmount.Bytes(), 32))
	buf.WriteString(string(o.Kind))

	if o.PartiallyFillable {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	buf.WriteString(string(o.SellTokenBalance))
	buf.WriteString(string(o.BuyTokenBalance))

	return crypto.Keccak256Hash(buf.Bytes())
}

// UID derives the 56-byte order UID: digest (32) | owner (20) | validTo (4).
func (o *Order) UID(owner common.Address) registry.OrderUID {
	var uid registry.OrderUID

	digest := o.Digest()
	copy(uid[:32], digest.Bytes())
	copy(uid[32:52], owner.Bytes())
	binary.BigEndian.PutUint32(uid[52:], o.ValidTo)

	return uid
}
