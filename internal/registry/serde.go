package registry

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// The persisted registry uses an explicit schema rather than reflective
// map/set encoding: owners as a sorted array of [owner, orders] objects and
// each order's discrete-order map as a sorted array of [uid, status] objects.
// Bumping the schema requires a migration in Registry.migrate.

type ownerOrdersWire struct {
	Owner  common.Address         `json:"owner"`
	Orders []conditionalOrderWire `json:"orders"`
}

type conditionalOrderWire struct {
	Tx             common.Hash            `json:"tx"`
	Params         ConditionalOrderParams `json:"params"`
	Proof          *Proof                 `json:"proof,omitempty"`
	Orders         []discreteOrderWire    `json:"orders"`
	SourceContract common.Address         `json:"sourceContract"`
	LastPoll       *PollRecord            `json:"lastPoll,omitempty"`
}

type discreteOrderWire struct {
	UID    OrderUID `json:"uid"`
	Status string   `json:"status"`
}

func parseOrderStatus(s string) (OrderStatus, error) {
	switch s {
	case "SUBMITTED":
		return OrderStatusSubmitted, nil
	case "FILLED":
		return OrderStatusFilled, nil
	default:
		return 0, fmt.Errorf("unknown order status %q", s)
	}
}

func marshalOwnerOrders(ownerOrders map[common.Address][]*ConditionalOrder) ([]byte, error) {
	wire := make([]ownerOrdersWire, 0, len(ownerOrders))

	for _, owner := range sortedOwners(ownerOrders) {
		orders := ownerOrders[owner]
		orderWires := make([]conditionalOrderWire, 0, len(orders))

		for _, order := range orders {
			discrete := make([]discreteOrderWire, 0, len(order.Orders))
			for uid, status := range order.Orders {
				discrete = append(discrete, discreteOrderWire{UID: uid, Status: status.String()})
			}
			sort.Slice(discrete, func(i, j int) bool {
				return discrete[i].UID.String() < discrete[j].UID.String()
			})

			orderWires = append(orderWires, conditionalOrderWire{
				Tx:             order.Tx,
				Params:         order.Params,
				Proof:          order.Proof,
				Orders:         discrete,
				SourceContract: order.SourceContract,
				LastPoll:       order.LastPoll,
			})
		}

		wire = append(wire, ownerOrdersWire{Owner: owner, Orders: orderWires})
	}

	return json.Marshal(wire)
}

func unmarshalOwnerOrders(data []byte) (map[common.Address][]*ConditionalOrder, error) {
	var wire []ownerOrdersWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}

	ownerOrders := make(map[common.Address][]*ConditionalOrder, len(wire))
	for _, entry := range wire {
		orders := make([]*ConditionalOrder, 0, len(entry.Orders))

		for _, ow := range entry.Orders {
			order := NewConditionalOrder(ow.Tx, ow.Params, ow.Proof, ow.SourceContract)
			order.LastPoll = ow.LastPoll

			for _, dw := range ow.Orders {
				status, err := parseOrderStatus(dw.Status)
				if err != nil {
					return nil, fmt.Errorf("order %s: %w", dw.UID, err)
				}
				order.Orders[dw.UID] = status
			}

			orders = append(orders, order)
		}

		if len(orders) > 0 {
			ownerOrders[entry.Owner] = orders
		}
	}

	return ownerOrders, nil
}

// Dump renders the full registry state as indented JSON for offline
// inspection.
func (r *Registry) Dump() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	owners, err := marshalOwnerOrders(r.ownerOrders)
	if err != nil {
		return nil, err
	}

	return json.MarshalIndent(struct {
		Network            string          `json:"network"`
		Version            uint32          `json:"version"`
		LastProcessedBlock *RegistryBlock  `json:"lastProcessedBlock,omitempty"`
		Owners             json.RawMessage `json:"owners"`
	}{
		Network:            r.network,
		Version:            r.version,
		LastProcessedBlock: r.lastProcessedBlock,
		Owners:             owners,
	}, "", "  ")
}

func marshalRegistryBlock(block *RegistryBlock) ([]byte, error) {
	return json.Marshal(block)
}

func unmarshalRegistryBlock(data []byte) (*RegistryBlock, error) {
	var block RegistryBlock
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, err
	}
	return &block, nil
}
