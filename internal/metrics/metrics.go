// Package metrics provides Prometheus metrics for the queue engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the queue engine.
type Metrics struct {
	// Commit path
	CommitRequests      *prometheus.CounterVec
	SuccessfulCommits   *prometheus.CounterVec
	UnsuccessfulCommits *prometheus.CounterVec
	RemovedObjects      *prometheus.CounterVec

	// Streaming loop
	InsertIterations *prometheus.CounterVec
	ProcessedRows    *prometheus.CounterVec
	ProcessedFiles   *prometheus.CounterVec
	FailedFiles      *prometheus.CounterVec

	// Cluster state
	ActiveStreams  prometheus.Gauge
	TrackedFiles   *prometheus.GaugeVec
	CleanupEvicted *prometheus.CounterVec
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "blobqueue"
	}

	m := &Metrics{
		CommitRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commit_requests_total",
				Help:      "Total number of coordinator operations submitted by commit cycles",
			},
			[]string{"table"},
		),
		SuccessfulCommits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "successful_commits_total",
				Help:      "Total number of successful commit transactions",
			},
			[]string{"table"},
		),
		UnsuccessfulCommits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unsuccessful_commits_total",
				Help:      "Total number of failed commit transactions",
			},
			[]string{"table"},
		),
		RemovedObjects: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "removed_objects_total",
				Help:      "Total number of objects deleted by the after-processing action",
			},
			[]string{"table"},
		),
		InsertIterations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "insert_iterations_total",
				Help:      "Total number of streaming insert iterations",
			},
			[]string{"table"},
		),
		ProcessedRows: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processed_rows_total",
				Help:      "Total number of rows streamed to dependent views",
			},
			[]string{"table"},
		),
		ProcessedFiles: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processed_files_total",
				Help:      "Total number of files committed as Processed",
			},
			[]string{"table"},
		),
		FailedFiles: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failed_files_total",
				Help:      "Total number of files committed as Failed",
			},
			[]string{"table"},
		),
		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_streams",
				Help:      "Number of tables currently streaming to attached views",
			},
		),
		TrackedFiles: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tracked_files",
				Help:      "Number of processed records currently tracked in the coordinator",
			},
			[]string{"table"},
		),
		CleanupEvicted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_evicted_total",
				Help:      "Total number of tracked-file records evicted by the cleanup pass",
			},
			[]string{"table"},
		),
	}

	defaultMetrics = m
	return m
}

// Default returns the global metrics, initializing them on first use.
func Default() *Metrics {
	if defaultMetrics == nil {
		return Init("")
	}
	return defaultMetrics
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
