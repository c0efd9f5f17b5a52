package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine-level metrics. Registered once via Init.
var (
	permissionChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_permission_checks_total",
			Help: "Permission checks by outcome and grant source.",
		},
		[]string{"result", "source"},
	)

	resolutionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "warden_resolution_duration_seconds",
		Help:    "Effective permission resolution latency in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	cacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_cache_events_total",
			Help: "Resolution cache hits, misses and invalidations.",
		},
		[]string{"event"},
	)

	blacklistChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_blacklist_checks_total",
			Help: "Token blacklist checks by outcome.",
		},
		[]string{"result"},
	)

	sweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_sweep_runs_total",
			Help: "Maintenance sweep executions by job.",
		},
		[]string{"job"},
	)

	sweepReaped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_sweep_reaped_total",
			Help: "Rows expired or removed by maintenance sweeps, by job.",
		},
		[]string{"job"},
	)
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		permissionChecks,
		resolutionDuration,
		cacheEvents,
		blacklistChecks,
		sweepRuns,
		sweepReaped,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePermissionCheck records a single check outcome.
func ObservePermissionCheck(result, source string) {
	if source == "" {
		source = "none"
	}
	permissionChecks.WithLabelValues(result, source).Inc()
}

// ObserveResolution records how long a full resolution took.
func ObserveResolution(start time.Time) {
	resolutionDuration.Observe(time.Since(start).Seconds())
}

// ObserveCacheEvent records a cache hit, miss or invalidation.
func ObserveCacheEvent(event string) {
	cacheEvents.WithLabelValues(event).Inc()
}

// ObserveBlacklistCheck records a blacklist lookup outcome.
func ObserveBlacklistCheck(result string) {
	blacklistChecks.WithLabelValues(result).Inc()
}

// ObserveSweep records one sweep run and how many rows it reaped.
func ObserveSweep(job string, reaped int) {
	sweepRuns.WithLabelValues(job).Inc()
	if reaped > 0 {
		sweepReaped.WithLabelValues(job).Add(float64(reaped))
	}
}
