package common

const (
	ComponentChainWatcher   = "chain-watcher"
	ComponentBlockProcessor = "block-processor"
	ComponentEventSource    = "event-source"
	ComponentPoller         = "poller"
	ComponentOrderHandler   = "order-handler"
	ComponentOrderbook      = "orderbook"
	ComponentFilterLoader   = "filter-loader"
	ComponentProvider       = "provider"
	ComponentStore          = "store"
	ComponentRegistry       = "registry"
	ComponentNotifier       = "notifier"
	ComponentAPI            = "api"
)

// AllComponents is the set of valid component names for per-component log
// level overrides.
var AllComponents = map[string]struct{}{
	ComponentChainWatcher:   {},
	ComponentBlockProcessor: {},
	ComponentEventSource:    {},
	ComponentPoller:         {},
	ComponentOrderHandler:   {},
	ComponentOrderbook:      {},
	ComponentFilterLoader:   {},
	ComponentProvider:       {},
	ComponentStore:          {},
	ComponentRegistry:       {},
	ComponentNotifier:       {},
	ComponentAPI:            {},
}
