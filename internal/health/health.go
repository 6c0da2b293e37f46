// Package health aggregates per-chain sync status for the HTTP surface.
package health

import (
	"sync"

	"github.com/cowprotocol/watch-tower/internal/registry"
)

// Sync is a chain watcher's externally visible sync state.
type Sync string

const (
	SyncSyncing Sync = "SYNCING"
	SyncInSync  Sync = "IN_SYNC"
	SyncUnknown Sync = "UNKNOWN"
)

// Status is one chain's health snapshot. A chain is healthy only while it is
// IN_SYNC.
type Status struct {
	Sync               Sync                    `json:"sync"`
	ChainID            string                  `json:"chainId"`
	LastProcessedBlock *registry.RegistryBlock `json:"lastProcessedBlock"`
	IsHealthy          bool                    `json:"isHealthy"`
}

// Reporter produces a chain's current status on demand.
type Reporter interface {
	Status() Status
}

// Report is the aggregate over all registered chains. Overall health is the
// conjunction of the per-chain states.
type Report struct {
	IsHealthy bool              `json:"isHealthy"`
	Chains    map[string]Status `json:"chains"`
}

// Aggregator collects reporters keyed by network name.
type Aggregator struct {
	mu        sync.Mutex
	reporters map[string]Reporter
}

func NewAggregator() *Aggregator {
	return &Aggregator{reporters: make(map[string]Reporter)}
}

// Register adds or replaces the reporter for a network.
func (a *Aggregator) Register(network string, r Reporter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reporters[network] = r
}

// Report snapshots every registered chain. An aggregator with no chains
// reports unhealthy.
func (a *Aggregator) Report() Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	report := Report{
		IsHealthy: len(a.reporters) > 0,
		Chains:    make(map[string]Status, len(a.reporters)),
	}
	for network, reporter := range a.reporters {
		status := reporter.Status()
		report.Chains[network] = status
		report.IsHealthy = report.IsHealthy && status.IsHealthy
	}
	return report
}
