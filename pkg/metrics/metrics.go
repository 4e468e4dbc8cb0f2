// Package metrics provides Prometheus instrumentation for the risk engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TicksTotal counts accepted price ticks per symbol.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perprisk_ticks_total",
		Help: "Accepted price ticks",
	}, []string{"symbol"})

	// TicksRejected counts dropped ticks by reason (invalid_price, stale).
	TicksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perprisk_ticks_rejected_total",
		Help: "Rejected price ticks",
	}, []string{"symbol", "reason"})

	FundingSettlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perprisk_funding_settlements_total",
		Help: "Funding settlements applied to positions",
	}, []string{"symbol"})

	Liquidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perprisk_liquidations_total",
		Help: "Executed liquidations",
	}, []string{"symbol", "side"})

	// LiquidationLatency tracks liquidation execution time.
	LiquidationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perprisk_liquidation_latency_seconds",
		Help:    "Liquidation execution latency in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"symbol"})

	InsuranceFundBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perprisk_insurance_fund_balance",
		Help: "Insurance fund balance per symbol",
	}, []string{"symbol"})

	ADLEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perprisk_adl_events_total",
		Help: "ADL episodes by final status",
	}, []string{"symbol", "status"})

	TriggerFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perprisk_trigger_fires_total",
		Help: "Trigger order firings by outcome",
	}, []string{"symbol", "type", "outcome"})

	// LockConflicts counts position/market locks that timed out twice.
	LockConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perprisk_lock_conflicts_total",
		Help: "Mutations deferred because the lock could not be acquired",
	}, []string{"scope"})

	// PipelinePaused is 1 while a symbol pipeline is paused for missing config.
	PipelinePaused = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perprisk_pipeline_paused",
		Help: "Symbol pipeline paused due to stale config",
	}, []string{"symbol"})

	SettlementRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perprisk_settlement_records_total",
		Help: "Audit records written",
	}, []string{"kind"})

	// SettlementFanoutDropped counts audit records skipped by the async fan-out.
	SettlementFanoutDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perprisk_settlement_fanout_dropped_total",
		Help: "Audit records not published because the fan-out queue was full",
	})
)

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
