package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packrat_http_requests_total",
			Help: "Total number of HTTP requests by route, method and status",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "packrat_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Cache metrics
	MetadataRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packrat_metadata_requests_total",
			Help: "Total number of metadata lookups by cache mode",
		},
		[]string{"mode"},
	)

	ArtifactRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packrat_artifact_requests_total",
			Help: "Total number of artifact downloads by cache mode",
		},
		[]string{"mode"},
	)

	// Sync metrics
	SyncRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packrat_sync_runs_total",
			Help: "Total number of repository sync runs by result",
		},
		[]string{"result"},
	)

	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "packrat_sync_duration_seconds",
			Help:    "Repository sync duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Job metrics
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packrat_jobs_total",
			Help: "Total number of processed jobs by type",
		},
		[]string{"type"},
	)

	// Auth metrics
	RateLimitRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "packrat_rate_limit_rejections_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)

	// Inventory gauges, refreshed by the Collector
	RepositoriesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "packrat_repositories_total",
			Help: "Total number of configured repositories",
		},
	)

	PackagesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "packrat_packages_total",
			Help: "Total number of cached package versions",
		},
	)

	ArtifactsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "packrat_artifacts_total",
			Help: "Total number of mirrored artifacts",
		},
	)

	TokensTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "packrat_tokens_total",
			Help: "Total number of issued tokens",
		},
	)
)

func init() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(MetadataRequestsTotal)
	prometheus.MustRegister(ArtifactRequestsTotal)
	prometheus.MustRegister(SyncRunsTotal)
	prometheus.MustRegister(SyncDuration)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(RateLimitRejections)
	prometheus.MustRegister(RepositoriesTotal)
	prometheus.MustRegister(PackagesTotal)
	prometheus.MustRegister(ArtifactsTotal)
	prometheus.MustRegister(TokensTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in the given histogram
func (t *Timer) ObserveDuration(histogram prometheus.Observer) {
	histogram.Observe(t.Duration().Seconds())
}
