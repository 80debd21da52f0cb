// Package metrics defines the Prometheus collectors shared across the
// ingestion manager, the scheduler, and the sandbox: package-level
// collectors registered on the default registry, incremented inline
// where the counted event is observed (sandbox timeouts are counted by
// the scheduler) and scraped at GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// KlineIngestTicks counts completed ingestion manager loop ticks.
	KlineIngestTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kline_ingest_ticks_total",
		Help: "Total number of ingestion manager sync cycles completed.",
	})

	// KlineUpserts counts candles written to the store across all
	// symbols and timeframes.
	KlineUpserts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kline_upserts_total",
		Help: "Total number of candle rows upserted into the store.",
	}, []string{"exchange", "symbol", "interval"})

	// KlineTrims counts trim-old operations run against the store.
	KlineTrims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kline_trims_total",
		Help: "Total number of retention trim operations run.",
	})

	// SchedulerRuns counts claimed-project executions by terminal
	// outcome (ok/error/skipped).
	SchedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_runs_total",
		Help: "Total number of project runs by terminal status.",
	}, []string{"status"})

	// SandboxTimeouts counts strategy executions that hit the
	// wall-clock timeout.
	SandboxTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sandbox_timeouts_total",
		Help: "Total number of sandboxed strategy executions that timed out.",
	})
)
