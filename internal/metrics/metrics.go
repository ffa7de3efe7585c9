// Package metrics declares the Prometheus instruments for the
// ingestion pipeline, embedding client, and search engine, modeled on
// the teacher's internal/vectorstore/metrics.go package-level
// promauto pattern.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EmbeddingCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mediavault",
			Subsystem: "embeddings",
			Name:      "call_duration_seconds",
			Help:      "Duration of embedding provider calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"modality"},
	)

	EmbeddingCallTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediavault",
			Subsystem: "embeddings",
			Name:      "calls_total",
			Help:      "Total embedding provider calls by modality and result",
		},
		[]string{"modality", "result"},
	)

	IngestStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mediavault",
			Subsystem: "ingest",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each ingestion pipeline stage in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	IngestQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mediavault",
			Subsystem: "ingest",
			Name:      "queue_depth",
			Help:      "Current number of GMIDs waiting in the ingestion queue",
		},
	)

	IngestRecordsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mediavault",
			Subsystem: "ingest",
			Name:      "records_failed_total",
			Help:      "Total media records that reached the failed terminal state",
		},
	)

	SearchRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mediavault",
			Subsystem: "search",
			Name:      "request_duration_seconds",
			Help:      "Duration of search requests by mode",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode"},
	)
)

// RecordEmbeddingCall records the outcome and latency of a single
// embedding provider call, called via defer at the call site.
func RecordEmbeddingCall(modality string, start time.Time, err error) {
	EmbeddingCallDuration.WithLabelValues(modality).Observe(time.Since(start).Seconds())
	result := "success"
	if err != nil {
		result = "error"
	}
	EmbeddingCallTotal.WithLabelValues(modality, result).Inc()
}

// RecordIngestStage records the duration of an ingestion pipeline
// stage, called via defer at the top of the instrumented function.
func RecordIngestStage(stage string, start time.Time) {
	IngestStageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// RecordSearchRequest records the duration of a search request by mode.
func RecordSearchRequest(mode string, start time.Time) {
	SearchRequestDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}
