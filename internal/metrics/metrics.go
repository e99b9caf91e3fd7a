// Package metrics exposes Prometheus collectors for the crawl engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesFetchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_pages_fetched_total",
			Help: "Total pages fetched and persisted, labeled by strategy.",
		},
		[]string{"strategy"},
	)

	rateLimitHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_rate_limit_hits_total",
			Help: "Total throttled fetch attempts, labeled by strategy.",
		},
		[]string{"strategy"},
	)

	sessionRestartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_session_restarts_total",
			Help: "Total whole-target session restarts after corruption.",
		},
	)

	targetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_targets_total",
			Help: "Total targets finished, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	entitiesMergedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_entities_merged_total",
			Help: "Total product entities merged during extraction.",
		},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_active_workers",
			Help: "Workers currently driving a target.",
		},
	)

	backoffDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawler_backoff_delay_seconds",
			Help:    "Histogram of backoff waits after throttled attempts.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 240},
		},
	)
)

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePageFetched counts one persisted page.
func ObservePageFetched(strategy string) {
	pagesFetchedTotal.WithLabelValues(strategy).Inc()
}

// ObserveRateLimit counts one throttled attempt.
func ObserveRateLimit(strategy string) {
	rateLimitHitsTotal.WithLabelValues(strategy).Inc()
}

// ObserveSessionRestart counts one corruption-driven restart.
func ObserveSessionRestart() {
	sessionRestartsTotal.Inc()
}

// ObserveTargetFinished counts one target reaching a terminal state.
func ObserveTargetFinished(outcome string) {
	targetsTotal.WithLabelValues(outcome).Inc()
}

// ObserveEntityMerged counts one entity fold.
func ObserveEntityMerged() {
	entitiesMergedTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveBackoffDelay records one backoff wait.
func ObserveBackoffDelay(d time.Duration) {
	backoffDelaySeconds.Observe(d.Seconds())
}
