// Package metrics exposes the hot wallet's Prometheus instrumentation.
// Ambient observability infrastructure carried regardless of the
// spec's feature Non-goals, per the teacher stack's own use of
// github.com/prometheus/client_golang.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every collector the hot wallet registers. Construct
// one per process with NewRegistry and pass it to internal/api, which
// serves it on /metrics. The Monitor, Sweeper and Faucet do not hold the
// Registry, so no component increments or sets these collectors and
// every series reports its zero value.
type Registry struct {
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	BlocksProcessedTotal prometheus.Counter
	DepositsDetected     *prometheus.CounterVec
	DepositsSwept        *prometheus.CounterVec
	SweepFailures        *prometheus.CounterVec
	ScanCursor           prometheus.Gauge
	FaucetFundings       *prometheus.CounterVec
}

// NewRegistry builds and registers every collector on a fresh
// prometheus.Registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		Registerer: reg,
		Gatherer:   reg,
		BlocksProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hotwallet_blocks_processed_total",
			Help: "Number of blocks fully processed by the monitor.",
		}),
		DepositsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotwallet_deposits_detected_total",
			Help: "Number of deposits detected, by kind (native|erc20).",
		}, []string{"kind"}),
		DepositsSwept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotwallet_deposits_swept_total",
			Help: "Number of deposits swept, by kind (native|erc20).",
		}, []string{"kind"}),
		SweepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotwallet_sweep_failures_total",
			Help: "Number of sweep attempts that failed and will be retried, by kind.",
		}, []string{"kind"}),
		ScanCursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hotwallet_scan_cursor",
			Help: "Highest fully-processed block height.",
		}),
		FaucetFundings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotwallet_faucet_fundings_total",
			Help: "Number of faucet funding attempts, by result (success|failure).",
		}, []string{"result"}),
	}

	reg.MustRegister(
		r.BlocksProcessedTotal,
		r.DepositsDetected,
		r.DepositsSwept,
		r.SweepFailures,
		r.ScanCursor,
		r.FaucetFundings,
	)
	return r
}
