// Package metrics exposes the orchestrator's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepthink_runs_started_total",
			Help: "Total number of runs that entered execution",
		},
	)

	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepthink_runs_finished_total",
			Help: "Total number of runs reaching a terminal status",
		},
		[]string{"status", "error_kind"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deepthink_run_duration_seconds",
			Help:    "End to end run latency in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepthink_provider_calls_total",
			Help: "Provider invocations by pass type and outcome",
		},
		[]string{"pass_type", "outcome"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepthink_provider_errors_total",
			Help: "Provider failures by classified kind",
		},
		[]string{"kind"},
	)

	TokensConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepthink_tokens_total",
			Help: "Tokens consumed by direction",
		},
		[]string{"direction"},
	)

	CostTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepthink_cost_total",
			Help: "Accumulated provider cost across runs",
		},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepthink_cache_hits_total",
			Help: "Pass cache hits by pass type",
		},
		[]string{"pass_type"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepthink_cache_misses_total",
			Help: "Pass cache misses by pass type",
		},
		[]string{"pass_type"},
	)

	BudgetBreaches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepthink_budget_breaches_total",
			Help: "Runs terminated for exceeding their token cap",
		},
	)

	EarlyExits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepthink_early_exits_total",
			Help: "Runs finished by the first verified candidate before all solvers completed",
		},
	)

	CandidatesDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepthink_candidates_dispatched_total",
			Help: "Solver candidates dispatched to the provider",
		},
	)

	VerificationScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deepthink_verification_score",
			Help:    "Judge scores assigned to verified candidates",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deepthink_active_runs",
			Help: "Runs currently executing",
		},
	)
)
