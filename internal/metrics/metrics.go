// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SignalsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_signals_recorded_total",
			Help: "Signals recorded, by kind",
		},
		[]string{"kind"},
	)

	ConfidenceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autopilot_confidence_score",
			Help:    "Confidence score after each recompute",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	EvaluationOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_evaluation_outcomes_total",
			Help: "Per-pair evaluator outcomes",
		},
		[]string{"outcome"},
	)

	EvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autopilot_evaluation_duration_seconds",
			Help:    "Duration of a full evaluation batch",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	TierEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_tier_events_total",
			Help: "Tier events appended to the event log",
		},
		[]string{"event_type"},
	)

	ThresholdCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_threshold_cache_total",
			Help: "Threshold cache lookups",
		},
		[]string{"result"},
	)

	WritebackProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_writeback_processed_total",
			Help: "Write-back items processed by workers",
		},
		[]string{"source", "result"},
	)

	WritebackDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autopilot_writeback_duration_seconds",
			Help:    "External write duration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"source"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autopilot_writeback_queue_depth",
			Help: "Write-back items by status",
		},
		[]string{"status"},
	)

	ReapedItems = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autopilot_writeback_reaped_total",
			Help: "Processing items requeued after their lock expired",
		},
	)
)

var initOnce sync.Once

// Init registers every collector with the default registry. Safe to call
// more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(SignalsRecorded)
		prometheus.MustRegister(ConfidenceScore)
		prometheus.MustRegister(EvaluationOutcomes)
		prometheus.MustRegister(EvaluationDuration)
		prometheus.MustRegister(TierEvents)
		prometheus.MustRegister(ThresholdCache)
		prometheus.MustRegister(WritebackProcessed)
		prometheus.MustRegister(WritebackDuration)
		prometheus.MustRegister(QueueDepth)
		prometheus.MustRegister(ReapedItems)
	})
}

// Handler registers the collectors and serves the default registry.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}
