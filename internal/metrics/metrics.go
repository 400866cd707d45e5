// Package metrics defines the Prometheus metrics of the populator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "populator"

var (
	serverInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_info",
		Help:      "Server build information.",
	}, []string{"version", "lock_mode"})

	PopulationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "population_runs_total",
		Help:      "Population runs by trigger and outcome.",
	}, []string{"trigger", "outcome"})

	PopulationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "population_duration_seconds",
		Help:      "Duration of population runs that acquired the job lock.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400, 3600},
	}, []string{"outcome"})

	RowsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rows_ingested_total",
		Help:      "Rows ingested into the relational store.",
	}, []string{"result"})

	LockContention = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_lock_contention_total",
		Help:      "Population triggers skipped because a run was already in flight.",
	})

	LedgerWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_writes_total",
		Help:      "Run ledger writes by run type and result.",
	}, []string{"run_type", "result"})

	MissedSlots = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "catchup_missed_slots_total",
		Help:      "Scheduled slots detected as missed by catch-up.",
	})

	RetryDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "smart_retry_decisions_total",
		Help:      "Smart retry decisions per under-covered source.",
	}, []string{"decision"})

	RetryTriggersDebounced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "smart_retry_debounced_total",
		Help:      "Externally triggered smart retry scans dropped by the debounce window.",
	})

	SchedulerMisfires = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_misfires_total",
		Help:      "Cron firings dropped for starting past their misfire grace window.",
	}, []string{"job"})
)

// Init records static server information.
func Init(version, lockMode string) {
	serverInfo.WithLabelValues(version, lockMode).Set(1)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
