// Package metrics holds the Prometheus instrumentation for the
// scoring pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransactionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_transactions_processed_total",
		Help: "Total number of transactions leaving the pipeline, labelled by terminal status.",
	}, []string{"status"})

	TransactionsDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_transactions_degraded_total",
		Help: "Total number of transactions scored with degraded reference data.",
	})

	ScoresEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_scores_emitted_total",
		Help: "Total number of score events emitted, labelled by risk category.",
	}, []string{"category"})

	RulesTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_rules_triggered_total",
		Help: "Total number of rule activations, labelled by rule ID.",
	}, []string{"rule_id"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kestrel_stage_duration_ms",
		Help:    "Per-stage processing latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"stage"})

	PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kestrel_pipeline_duration_ms",
		Help:    "End-to-end transaction scoring latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	LaneDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kestrel_lane_depth",
		Help: "Current number of queued transactions per pipeline lane.",
	}, []string{"lane"})
)

// Terminal status label values for TransactionsProcessed.
const (
	StatusScored    = "scored"
	StatusRejected  = "rejected"
	StatusFailed    = "failed"
	StatusDuplicate = "duplicate"
)
