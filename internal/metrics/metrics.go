// Package metrics defines Prometheus metrics for the extraction engine.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	DocumentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extractor_documents_total",
			Help: "Documents processed by outcome",
		},
		[]string{"outcome"},
	)

	DocumentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "extractor_document_duration_seconds",
			Help:    "Time to extract and write one document",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	LLMCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extractor_llm_calls_total",
			Help: "Language model calls by result",
		},
		[]string{"result"},
	)

	LLMCallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "extractor_llm_call_duration_seconds",
			Help:    "Language model call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RateLimitWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "extractor_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a rate limit slot",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	GraphWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extractor_graph_writes_total",
			Help: "Graph mutations by kind",
		},
		[]string{"kind"},
	)

	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extractor_batches_total",
			Help: "Batches handled by outcome",
		},
		[]string{"outcome"},
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extractor_jobs_total",
			Help: "Job state transitions by target status",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		DocumentsTotal, DocumentDuration,
		LLMCallsTotal, LLMCallDuration, RateLimitWait,
		GraphWritesTotal, BatchesTotal, JobsTotal,
	)
}
