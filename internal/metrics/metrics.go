// Package metrics holds the prometheus collectors shared across hostdeck.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RetryAttempts counts retried-operation attempts by label and outcome
	// (success, failure, timeout).
	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostdeck_retry_attempts_total",
		Help: "Retry orchestrator attempts by operation label and outcome",
	}, []string{"label", "outcome"})

	// CacheLookups counts host status cache lookups by key kind and result.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostdeck_host_cache_lookups_total",
		Help: "Host status cache lookups by kind (all, one) and result (hit, miss, error)",
	}, []string{"kind", "result"})

	CacheInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hostdeck_host_cache_invalidations_total",
		Help: "Host status cache keys invalidated",
	})

	// ProbeResults counts monitor probe outcomes by resulting status.
	ProbeResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostdeck_monitor_probes_total",
		Help: "Monitor probes by resulting host status",
	}, []string{"status"})

	ProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hostdeck_probe_duration_seconds",
		Help:    "SSH probe duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// SystemMetricsCollections counts host resource snapshots by result
	// (collected, cached, failed).
	SystemMetricsCollections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostdeck_system_metrics_collections_total",
		Help: "Host system metrics requests by result",
	}, []string{"result"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostdeck_http_requests_total",
		Help: "HTTP requests by method, route pattern and status code",
	}, []string{"method", "route", "code"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
