// Package metrics provides Prometheus metrics for the aggregation service.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Ingest metrics.
	IngestEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proxystats",
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Total number of traffic events accepted for aggregation.",
	})
	IngestEventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proxystats",
		Subsystem: "ingest",
		Name:      "events_dropped_total",
		Help:      "Total number of traffic events dropped due to a full buffer.",
	})
	IngestBatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proxystats",
		Subsystem: "ingest",
		Name:      "batches_total",
		Help:      "Total number of batches flushed to storage.",
	})
	IngestBatchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proxystats",
		Subsystem: "ingest",
		Name:      "batch_errors_total",
		Help:      "Total number of batch flushes that failed.",
	})
	IngestBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "proxystats",
		Subsystem: "ingest",
		Name:      "batch_size",
		Help:      "Number of events per flushed batch.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
	})

	// Storage metrics.
	WriteRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proxystats",
		Subsystem: "storage",
		Name:      "write_retries_total",
		Help:      "Total number of write retries after a busy database.",
	})
	QueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "proxystats",
		Subsystem: "storage",
		Name:      "query_duration_seconds",
		Help:      "Duration of read queries by kind.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})
	CleanupRowsDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proxystats",
		Subsystem: "storage",
		Name:      "cleanup_rows_deleted_total",
		Help:      "Rows deleted by retention cleanup, per table family.",
	}, []string{"family"})

	// GeoIP metrics.
	GeoLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proxystats",
		Subsystem: "geoip",
		Name:      "lookups_total",
		Help:      "GeoIP lookups by outcome.",
	}, []string{"outcome"}) // "hit", "miss"

	// Live push metrics.
	WSClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "proxystats",
		Subsystem: "ws",
		Name:      "clients_active",
		Help:      "Number of connected live-update WebSocket clients.",
	})
	WSMessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proxystats",
		Subsystem: "ws",
		Name:      "messages_sent_total",
		Help:      "Total number of live-update messages pushed to clients.",
	})
)

func init() {
	prometheus.MustRegister(
		IngestEventsTotal,
		IngestEventsDropped,
		IngestBatchesTotal,
		IngestBatchErrors,
		IngestBatchSize,

		WriteRetriesTotal,
		QueryDuration,
		CleanupRowsDeleted,

		GeoLookupsTotal,

		WSClientsActive,
		WSMessagesSent,
	)
}
