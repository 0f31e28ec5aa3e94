package observability

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var targetLabel atomic.Value

func init() {
	targetLabel.Store("EPSG:4326")
}

// SetTarget fixes the default target-SRS label applied to pipeline metrics.
func SetTarget(s string) {
	if s == "" {
		s = "EPSG:4326"
	}
	targetLabel.Store(s)
}

func getTarget() string {
	if v := targetLabel.Load(); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "EPSG:4326"
}

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)

	cacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Cache results by outcome.",
		},
		[]string{"outcome"},
	)

	cacheOpSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_op_duration_seconds",
			Help:    "Duration of cache store operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~2s
		},
		[]string{"op", "status"},
	)

	scanDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "raster_scan_duration_seconds",
			Help:    "Duration of raster batch scans in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~3m
		},
		[]string{"target", "status"},
	)

	scannedRastersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanned_rasters_total",
			Help: "Rasters successfully scanned, by target SRS.",
		},
		[]string{"target"},
	)

	reprojectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raster_reprojections_total",
			Help: "Reprojected raster files materialized to disk.",
		},
	)

	featureParseSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feature_parse_duration_seconds",
			Help:    "Duration of feature collection parses in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"target", "status"},
	)

	featureResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feature_results_total",
			Help: "Features kept or dropped by ROI filtering.",
		},
		[]string{"result"},
	)

	invalidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_invalidations_total",
			Help: "Cache invalidations applied, by operation.",
		},
		[]string{"op"},
	)

	consumerErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "invalidation_consumer_errors_total",
			Help: "Errors seen by the invalidation consumer.",
		},
	)
)

// Init registers every collector against reg. Before Init (or with enabled
// false) the helpers still run but feed collectors nothing scrapes, so unit
// tests and metric-less deployments need no setup.
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled || reg == nil {
		return
	}
	reg.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		upstreamLatencySeconds,
		buildInfo,
		cacheResults,
		cacheOpSeconds,
		scanDurationSeconds,
		scannedRastersTotal,
		reprojectionsTotal,
		featureParseSeconds,
		featureResults,
		invalidationsTotal,
		consumerErrorsTotal,
	)
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream).Observe(durationSeconds)
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	cacheOpSeconds.WithLabelValues(op, status).Observe(durationSeconds)
}

func AddCacheHits(n int) {
	if n > 0 {
		cacheResults.WithLabelValues("hit").Add(float64(n))
	}
}

func AddCacheMisses(n int) {
	if n > 0 {
		cacheResults.WithLabelValues("miss").Add(float64(n))
	}
}

// ObserveScan records one raster batch scan. An empty target falls back to
// the configured default.
func ObserveScan(target string, rasters int, err error, durationSeconds float64) {
	if target == "" {
		target = getTarget()
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	scanDurationSeconds.WithLabelValues(target, status).Observe(durationSeconds)
	if err == nil && rasters > 0 {
		scannedRastersTotal.WithLabelValues(target).Add(float64(rasters))
	}
}

func IncReprojection() { reprojectionsTotal.Inc() }

func ObserveFeatureParse(target string, kept, dropped int, err error, durationSeconds float64) {
	if target == "" {
		target = getTarget()
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	featureParseSeconds.WithLabelValues(target, status).Observe(durationSeconds)
	if err == nil {
		if kept > 0 {
			featureResults.WithLabelValues("kept").Add(float64(kept))
		}
		if dropped > 0 {
			featureResults.WithLabelValues("dropped").Add(float64(dropped))
		}
	}
}

func IncInvalidation(op string) {
	if op == "" {
		op = "unknown"
	}
	invalidationsTotal.WithLabelValues(op).Inc()
}

func IncConsumerError() { consumerErrorsTotal.Inc() }

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
