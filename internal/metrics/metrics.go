package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StageResults tracks pipeline stage outcomes
	StageResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxdigest_stage_results_total",
			Help: "Pipeline stage outcomes by stage and status",
		},
		[]string{"stage", "status"},
	)

	// StageDuration tracks how long each stage took
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inboxdigest_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// RunsTotal counts pipeline runs, including dropped triggers
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxdigest_runs_total",
			Help: "Pipeline runs by outcome (completed, dropped)",
		},
		[]string{"outcome"},
	)

	// ItemsIngested counts newly stored items per source
	ItemsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxdigest_items_ingested_total",
			Help: "Items inserted per source",
		},
		[]string{"source"},
	)

	// SourceErrors counts failed source fetches per error kind
	SourceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxdigest_source_errors_total",
			Help: "Source fetch failures by source and kind",
		},
		[]string{"source", "kind"},
	)

	// Classifications counts classifications by tier and urgency
	Classifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxdigest_classifications_total",
			Help: "Items classified by tier and urgency",
		},
		[]string{"tier", "urgency"},
	)

	// Digests counts digest builds by outcome
	Digests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxdigest_digests_total",
			Help: "Digest builds by outcome (built, noop)",
		},
		[]string{"outcome"},
	)

	// PendingItems is the pending backlog seen by the last classification pass
	PendingItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inboxdigest_pending_items",
			Help: "Pending items after the last classification pass",
		},
	)
)
