// Package metrics registers Prometheus collectors for the snapshot
// subsystem. Labels are kept to fixed, low-cardinality sets (entity type,
// outcome), never district ids.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// UpstreamCalls counts signed OneRoster API requests by entity type.
	UpstreamCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rostercache_upstream_calls_total",
		Help: "Total OneRoster API page requests issued, by entity type",
	}, []string{"entity"})

	// UpstreamErrors counts transport failures and non-200 upstream responses.
	UpstreamErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rostercache_upstream_errors_total",
		Help: "Total upstream request failures (transport errors and non-200 responses)",
	})

	// SnapshotsTotal counts finished snapshot builds by outcome.
	SnapshotsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rostercache_snapshots_total",
		Help: "Total snapshot builds finished, by outcome (complete, failed, rejected)",
	}, []string{"outcome"})

	// SnapshotDuration observes end-to-end snapshot build duration.
	SnapshotDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rostercache_snapshot_duration_seconds",
		Help:    "End-to-end duration of snapshot builds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
	})

	// RecordsWritten counts entity records persisted to snapshot files.
	RecordsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rostercache_records_written_total",
		Help: "Total entity records written to snapshot files, by entity type",
	}, []string{"entity"})

	// SearchRequests counts snapshot search operations.
	SearchRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rostercache_search_requests_total",
		Help: "Total snapshot substring search requests served",
	})
)

func init() {
	prometheus.MustRegister(
		UpstreamCalls,
		UpstreamErrors,
		SnapshotsTotal,
		SnapshotDuration,
		RecordsWritten,
		SearchRequests,
	)
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
