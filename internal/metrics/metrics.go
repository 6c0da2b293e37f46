package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric names are part of the public interface; dashboards and alerts key
// on them. Do not rename without a deprecation cycle.
var (
	blockHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watch_tower_block_height",
			Help: "Block height of the most recently processed block",
		},
		[]string{"chain_id"},
	)

	blockTime = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watch_tower_block_time_seconds",
			Help: "Seconds between the two most recently received blocks",
		},
		[]string{"chain_id"},
	)

	reorgDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watch_tower_reorg_depth",
			Help: "Depth of the most recently detected reorg",
		},
		[]string{"chain_id"},
	)

	reorgsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watch_tower_reorg_total",
			Help: "Total number of detected reorgs",
		},
		[]string{"chain_id"},
	)

	eventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watch_tower_events_processed_total",
			Help: "Total number of conditional-order events processed",
		},
		[]string{"chain_id"},
	)

	processBlockDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "watch_tower_process_block_duration_seconds",
			Help:    "Duration of per-block processing",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain_id"},
	)

	activeOwners = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watch_tower_active_owners_total",
			Help: "Number of owners with at least one registered conditional order",
		},
		[]string{"chain_id"},
	)

	activeOrders = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watch_tower_active_orders_total",
			Help: "Number of registered conditional orders",
		},
		[]string{"chain_id"},
	)

	orderbookDiscreteOrders = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watch_tower_orderbook_discrete_orders_total",
			Help: "Total number of discrete orders submitted to the order-book",
		},
		[]string{"chain_id", "handler", "owner", "id"},
	)

	orderbookErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watch_tower_orderbook_errors_total",
			Help: "Total number of order-book submission errors",
		},
		[]string{"chain_id", "handler", "owner", "id", "status", "error"},
	)

	pollingRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watch_tower_polling_runs_total",
			Help: "Total number of conditional-order polls by result",
		},
		[]string{"chain_id", "result"},
	)

	pollingUnexpectedErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watch_tower_polling_unexpected_errors_total",
			Help: "Total number of unexpected errors raised by order handlers",
		},
		[]string{"chain_id", "handler", "owner", "id"},
	)

	pollingOnChainChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watch_tower_polling_filtered_total",
			Help: "Total number of polls suppressed by the filter policy",
		},
		[]string{"chain_id", "action"},
	)
)

func BlockHeightSet(chainID string, height uint64) {
	blockHeight.WithLabelValues(chainID).Set(float64(height))
}

func BlockTimeSet(chainID string, delta time.Duration) {
	blockTime.WithLabelValues(chainID).Set(delta.Seconds())
}

func ReorgLog(chainID string, depth uint64) {
	reorgDepth.WithLabelValues(chainID).Set(float64(depth))
	reorgsTotal.WithLabelValues(chainID).Inc()
}

func EventsProcessedInc(chainID string, count int) {
	eventsProcessed.WithLabelValues(chainID).Add(float64(count))
}

func ProcessBlockDurationLog(chainID string, duration time.Duration) {
	processBlockDuration.WithLabelValues(chainID).Observe(duration.Seconds())
}

func ActiveOwnersSet(chainID string, count int) {
	activeOwners.WithLabelValues(chainID).Set(float64(count))
}

func ActiveOrdersSet(chainID string, count int) {
	activeOrders.WithLabelValues(chainID).Set(float64(count))
}

func OrderbookOrderInc(chainID, handler, owner, id string) {
	orderbookDiscreteOrders.WithLabelValues(chainID, handler, owner, id).Inc()
}

func OrderbookErrorInc(chainID, handler, owner, id, status, errLabel string) {
	orderbookErrors.WithLabelValues(chainID, handler, owner, id, status, errLabel).Inc()
}

func PollingRunInc(chainID, result string) {
	pollingRuns.WithLabelValues(chainID, result).Inc()
}

func PollingUnexpectedErrorInc(chainID, handler, owner, id string) {
	pollingUnexpectedErrors.WithLabelValues(chainID, handler, owner, id).Inc()
}

func PollingFilteredInc(chainID, action string) {
	pollingOnChainChecks.WithLabelValues(chainID, action).Inc()
}
