// Package metrics holds the prometheus collectors shared by ingestion,
// restore and the HTTP layer. Collectors register with the default
// registry, which the daemon exposes on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommitsTotal counts committed versions by kind (version, tombstone).
	CommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cratis_ingest_commits_total",
		Help: "Version records committed by the ingestion pipeline",
	}, []string{"kind"})

	// SkippedTotal counts commits elided because nothing changed.
	SkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cratis_ingest_skipped_total",
		Help: "Ingestion commits skipped without writing a record",
	}, []string{"reason"})

	IngestFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cratis_ingest_failures_total",
		Help: "Failed ingestion commits by error type",
	}, []string{"type"})

	IngestRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cratis_ingest_retries_total",
		Help: "Commit attempts retried after a transient failure",
	})

	PendingPaths = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cratis_ingest_pending_paths",
		Help: "Paths with an active debounce or commit in progress",
	})

	CommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cratis_ingest_commit_duration_seconds",
		Help:    "Time to hash, store and append one version",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	RestoreDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cratis_restore_duration_seconds",
		Help:    "Time to restore a file or tree",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
	}, []string{"operation", "status"})

	RestoredFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cratis_restore_files_total",
		Help: "Files restored by outcome",
	}, []string{"status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cratis_http_requests_total",
		Help: "HTTP requests by method and status code",
	}, []string{"method", "code"})

	ContentPrunedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cratis_content_pruned_bytes_total",
		Help: "Bytes released by content store pruning",
	})
)

// ObserveRestore records one restore operation.
func ObserveRestore(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	RestoreDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}
