// Package metrics provides Prometheus metrics for the CompassIQ service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestEventsTotal tracks ingestion requests by outcome (created, duplicate, failed)
	IngestEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "compassiq",
			Subsystem: "ingestion",
			Name:      "events_total",
			Help:      "Total number of ingested events by outcome",
		},
		[]string{"outcome"},
	)

	// IngestDuration tracks the duration of the ingestion pipeline in seconds
	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "compassiq",
			Subsystem: "ingestion",
			Name:      "duration_seconds",
			Help:      "Duration of ingestion requests in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	// NormalizationSkipsTotal tracks events that produced no metric observation
	NormalizationSkipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "compassiq",
			Subsystem: "ingestion",
			Name:      "normalization_skips_total",
			Help:      "Total number of events skipped by the normalizer by reason",
		},
		[]string{"reason"},
	)

	// RunsClosedTotal tracks source runs reaching a terminal status
	RunsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "compassiq",
			Subsystem: "ingestion",
			Name:      "runs_closed_total",
			Help:      "Total number of source runs closed by status",
		},
		[]string{"status"},
	)

	// RunsOpen tracks source runs currently in the running status across all tenants
	RunsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "compassiq",
			Subsystem: "ingestion",
			Name:      "runs_open",
			Help:      "Number of source runs in the running status",
		},
	)

	// MappingCacheLookups tracks field mapping cache hits and misses
	MappingCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "compassiq",
			Subsystem: "mapping_cache",
			Name:      "lookups_total",
			Help:      "Total number of field mapping cache lookups by result",
		},
		[]string{"result"},
	)

	// KPIComputeDuration tracks KPI snapshot computation in seconds
	KPIComputeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "compassiq",
			Subsystem: "kpi",
			Name:      "compute_duration_seconds",
			Help:      "Duration of KPI snapshot computation in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"cache"},
	)

	// KPIOverrideFailuresTotal tracks override lookups that failed and fell back to baseline
	KPIOverrideFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "compassiq",
			Subsystem: "kpi",
			Name:      "override_failures_total",
			Help:      "Total number of KPI requests served without ingested overrides",
		},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "compassiq",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of Kafka messages published",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish latency
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "compassiq",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)
)

// RecordIngest records an ingestion outcome and its duration
func RecordIngest(outcome string, durationSeconds float64) {
	IngestEventsTotal.WithLabelValues(outcome).Inc()
	IngestDuration.Observe(durationSeconds)
}

// RecordNormalizationSkip records an event the normalizer skipped
func RecordNormalizationSkip(reason string) {
	NormalizationSkipsTotal.WithLabelValues(reason).Inc()
}

// RecordRunClosed records a run reaching its terminal status
func RecordRunClosed(status string) {
	RunsClosedTotal.WithLabelValues(status).Inc()
}

// RecordMappingCacheLookup records a field mapping cache hit or miss
func RecordMappingCacheLookup(hit bool) {
	if hit {
		MappingCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	MappingCacheLookups.WithLabelValues("miss").Inc()
}

// RecordKPICompute records a KPI computation, cached or not
func RecordKPICompute(cache string, durationSeconds float64) {
	KPIComputeDuration.WithLabelValues(cache).Observe(durationSeconds)
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string, durationSeconds float64) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(durationSeconds)
}

// RecordKPIOverrideFailure records a KPI computation that fell back to baseline values
func RecordKPIOverrideFailure() {
	KPIOverrideFailuresTotal.Inc()
}
