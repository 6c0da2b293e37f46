package health

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cowprotocol/watch-tower/internal/registry"
)

type staticReporter struct {
	status Status
}

func (r staticReporter) Status() Status { return r.status }

func TestEmptyAggregatorIsUnhealthy(t *testing.T) {
	agg := NewAggregator()
	report := agg.Report()
	require.False(t, report.IsHealthy)
	require.Empty(t, report.Chains)
}

func TestOverallHealthIsConjunction(t *testing.T) {
	agg := NewAggregator()
	agg.Register("mainnet", staticReporter{Status{
		Sync:      SyncInSync,
		ChainID:   "1",
		IsHealthy: true,
		LastProcessedBlock: &registry.RegistryBlock{
			Number: 100,
		},
	}})
	agg.Register("gnosis", staticReporter{Status{
		Sync:      SyncInSync,
		ChainID:   "100",
		IsHealthy: true,
	}})

	report := agg.Report()
	require.True(t, report.IsHealthy)
	require.Len(t, report.Chains, 2)

	agg.Register("gnosis", staticReporter{Status{
		Sync:      SyncSyncing,
		ChainID:   "100",
		IsHealthy: false,
	}})

	report = agg.Report()
	require.False(t, report.IsHealthy)
	require.True(t, report.Chains["mainnet"].IsHealthy)
	require.False(t, report.Chains["gnosis"].IsHealthy)
}
