package filter

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Action is what the policy decides for a candidate poll.
type Action string

const (
	// ActionAccept polls the order and, if applicable, submits.
	ActionAccept Action = "ACCEPT"
	// ActionDrop deletes the conditional order from the registry permanently.
	ActionDrop Action = "DROP"
	// ActionSkip suppresses this poll but keeps the order registered.
	ActionSkip Action = "SKIP"
)

// ParseAction validates an action string.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToUpper(strings.TrimSpace(s))) {
	case ActionAccept:
		return ActionAccept, nil
	case ActionDrop:
		return ActionDrop, nil
	case ActionSkip:
		return ActionSkip, nil
	default:
		return "", fmt.Errorf("unknown filter action %q", s)
	}
}

// Candidate is the tuple the policy matches on.
type Candidate struct {
	Owner   common.Address
	Handler common.Address
	TxHash  common.Hash
	OrderID common.Hash
}

// Policy maps owners, handlers, transactions and conditional-order ids to
// actions, with a default when nothing matches. Policies are immutable; the
// Loader swaps whole snapshots.
type Policy struct {
	defaultAction Action
	owners        map[common.Address]Action
	handlers      map[common.Address]Action
	transactions  map[common.Hash]Action
	orderIDs      map[common.Hash]Action
}

// DefaultPolicy accepts everything.
func DefaultPolicy() *Policy {
	return &Policy{defaultAction: ActionAccept}
}

// Evaluate returns the action for a candidate. The first specific match wins,
// checked most-specific first: conditional-order id, transaction, owner,
// handler. With no match the default applies.
func (p *Policy) Evaluate(c Candidate) Action {
	if action, ok := p.orderIDs[c.OrderID]; ok {
		return action
	}
	if action, ok := p.transactions[c.TxHash]; ok {
		return action
	}
	if action, ok := p.owners[c.Owner]; ok {
		return action
	}
	if action, ok := p.handlers[c.Handler]; ok {
		return action
	}
	return p.defaultAction
}

// policyDocument is the wire format of the external policy file. YAML; JSON
// works too since it is a YAML subset.
type policyDocument struct {
	DefaultAction string            `yaml:"defaultAction"`
	Owners        map[string]string `yaml:"owners"`
	Handlers      map[string]string `yaml:"handlers"`
	Transactions  map[string]string `yaml:"transactions"`
	OrderIDs      map[string]string `yaml:"conditionalOrderIds"`
}

// ParsePolicy decodes and validates a policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var doc policyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode filter policy: %w", err)
	}

	if doc.DefaultAction == "" {
		return nil, fmt.Errorf("filter policy is missing defaultAction")
	}
	defaultAction, err := ParseAction(doc.DefaultAction)
	if err != nil {
		return nil, err
	}

	policy := &Policy{
		defaultAction: defaultAction,
		owners:        make(map[common.Address]Action, len(doc.Owners)),
		handlers:      make(map[common.Address]Action, len(doc.Handlers)),
		transactions:  make(map[common.Hash]Action, len(doc.Transactions)),
		orderIDs:      make(map[common.Hash]Action, len(doc.OrderIDs)),
	}

	for raw, actionStr := range doc.Owners {
		action, err := ParseAction(actionStr)
		if err != nil {
			return nil, fmt.Errorf("owners[%s]: %w", raw, err)
		}
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("owners[%s]: not an address", raw)
		}
		policy.owners[common.HexToAddress(raw)] = action
	}

	for raw, actionStr := range doc.Handlers {
		action, err := ParseAction(actionStr)
		if err != nil {
			return nil, fmt.Errorf("handlers[%s]: %w", raw, err)
		}
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("handlers[%s]: not an address", raw)
		}
		policy.handlers[common.HexToAddress(raw)] = action
	}

	for raw, actionStr := range doc.Transactions {
		action, err := ParseAction(actionStr)
		if err != nil {
			return nil, fmt.Errorf("transactions[%s]: %w", raw, err)
		}
		policy.transactions[common.HexToHash(raw)] = action
	}

	for raw, actionStr := range doc.OrderIDs {
		action, err := ParseAction(actionStr)
		if err != nil {
			return nil, fmt.Errorf("conditionalOrderIds[%s]: %w", raw, err)
		}
		policy.orderIDs[common.HexToHash(raw)] = action
	}

	return policy, nil
}
