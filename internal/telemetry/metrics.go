// Package telemetry provides logging setup and Prometheus metrics for the asset repository.
//
// All metrics are registered against the default Prometheus registry and are served
// by the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<LAR_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Archive build counters and durations, by kind and result
//   - Archive download counters, by route and result
//   - Update log appends and lifecycle events
//   - Webhook and mirror delivery counters
//   - Database connection pool gauge (polled every 30 s)
//
// Slugs are never used as label values; a site can carry hundreds of plugins and
// the per-slug picture is already available from the listing endpoint.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Archive metrics.
//
// ArchiveBuildsTotal has labels {kind, result} where result is "success" or one of
// the build failure reasons (source_missing, source_unreadable, destination_unwritable,
// invalid_slug).
//
// Example PromQL queries:
//   - Failure ratio:  sum(rate(archive_builds_total{result!="success"}[1h])) / sum(rate(archive_builds_total[1h]))
var (
	ArchiveBuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archive_builds_total",
			Help: "Total number of archive builds, by kind and result.",
		},
		[]string{"kind", "result"},
	)

	ArchiveBuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "archive_build_duration_seconds",
			Help:    "Duration of a single archive build, by kind.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"kind"},
	)

	ArchivesRemovedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "archives_removed_total",
			Help: "Total number of archives deleted by cleanup.",
		},
	)
)

// Download metrics.
//
// ArchiveDownloadsTotal has labels {route, result}. route is "tokenized" or "rewrite";
// result is "ok", "forbidden", "not_found", "bad_request" or "error".
var ArchiveDownloadsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "archive_downloads_total",
		Help: "Total number of archive download requests, by route and result.",
	},
	[]string{"route", "result"},
)

// Version tracking and lifecycle metrics.
var (
	UpdateLogAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "update_log_appends_total",
			Help: "Total number of version change entries appended to the update log, by kind and change direction.",
		},
		[]string{"kind", "change"},
	)

	LifecycleEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_events_total",
			Help: "Total number of lifecycle events processed, by event type.",
		},
		[]string{"type"},
	)

	EventQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lifecycle_event_queue_depth",
			Help: "Number of lifecycle events waiting for the dispatcher.",
		},
	)
)

// Outbound delivery metrics.
//
// WebhookDeliveriesTotal has label {result}: "delivered", "failed", "dropped" (queue full)
// or "circuit_open".
var (
	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Total number of rebuild webhook deliveries, by result.",
		},
		[]string{"result"},
	)

	MirrorUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_uploads_total",
			Help: "Total number of archive mirror operations, by backend, operation and result.",
		},
		[]string{"backend", "operation", "result"},
	)
)

// DBOpenConnections tracks the number of open connections held by the sql.DB pool.
// It is sampled every 30 seconds by StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits when the database becomes unreachable, which happens when the
// application shuts down and closes the pool.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}

// ObserveBuild records the outcome of one archive build.
func ObserveBuild(kind, result string, elapsed time.Duration) {
	ArchiveBuildsTotal.WithLabelValues(kind, result).Inc()
	ArchiveBuildDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}
