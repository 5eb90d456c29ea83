// Package metrics holds the Prometheus instruments for the feed service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Feed computation
	FeedComputations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracklist_feed_computations_total",
			Help: "Total number of feed computations by view",
		},
		[]string{"view"},
	)

	FeedComputeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracklist_feed_compute_duration_seconds",
			Help:    "Duration of a full feed computation in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"view"},
	)

	// Observed once per signal for every curated computation.
	FeedSignalItems = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracklist_feed_signal_items",
			Help:    "Items a relevance signal contributed to one computed feed",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		},
		[]string{"signal"},
	)

	// Snapshot
	SnapshotItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tracklist_snapshot_items",
			Help: "Items in the current snapshot by kind",
		},
		[]string{"kind"},
	)

	SnapshotVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracklist_snapshot_version",
			Help: "Version of the current snapshot",
		},
	)

	SnapshotRefreshErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracklist_snapshot_refresh_errors_total",
			Help: "Total number of failed snapshot refreshes",
		},
	)

	// Live subscribers
	LiveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracklist_live_subscribers",
			Help: "Current number of live feed subscribers",
		},
	)

	// Change stream
	ChangeStreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracklist_changestream_events_total",
			Help: "Change-stream events processed by collection and operation",
		},
		[]string{"collection", "op"},
	)

	ChangeStreamErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracklist_changestream_errors_total",
			Help: "Change-stream events that failed to parse or apply",
		},
	)

	// Catalog
	CatalogRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracklist_catalog_requests_total",
			Help: "Album art lookups by result (success, failure, rejected)",
		},
		[]string{"result"},
	)

	CatalogBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracklist_catalog_breaker_state",
			Help: "Catalog circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// HTTP
	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracklist_http_rate_limited_total",
			Help: "Write requests rejected by the rate limiter",
		},
	)

	// Reconciliation
	ReconcileFixes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracklist_reconcile_fixes_total",
			Help: "Rows repaired by reconciliation, by kind of repair",
		},
		[]string{"repair"},
	)
)

// RecordFeedComputation records one feed computation.
func RecordFeedComputation(view string, duration time.Duration) {
	FeedComputations.WithLabelValues(view).Inc()
	FeedComputeDuration.WithLabelValues(view).Observe(duration.Seconds())
}
