// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	upstreamRequestsTotal      *prometheus.CounterVec
	upstreamRequestSeconds     *prometheus.HistogramVec
	upstreamRetriesTotal       *prometheus.CounterVec
	upstreamPacingSeconds      prometheus.Histogram
	upstreamRateLimitSeconds   *prometheus.HistogramVec
	crawlArtistsTotal          *prometheus.CounterVec
	crawlSongsIngestedTotal    prometheus.Counter
	crawlRunsTotal             *prometheus.CounterVec
	crawlFrontierLength        prometheus.Gauge
	crawlStoreSizeBytes        prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		upstreamRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "musicgraph_upstream_requests_total",
				Help: "Upstream API attempts, labeled by endpoint and outcome.",
			},
			[]string{"endpoint", "outcome"},
		)

		upstreamRequestSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "musicgraph_upstream_request_duration_seconds",
				Help:    "Latency of upstream API attempts, excluding pacing sleeps.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"endpoint"},
		)

		upstreamRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "musicgraph_upstream_retries_total",
				Help: "Retries issued after a failed upstream attempt, labeled by endpoint.",
			},
			[]string{"endpoint"},
		)

		upstreamPacingSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "musicgraph_upstream_pacing_seconds",
				Help:    "Time spent sleeping between upstream calls.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5},
			},
		)

		upstreamRateLimitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "musicgraph_upstream_ratelimit_wait_seconds",
				Help:    "Time spent waiting for a per-host rate limit token.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)

		crawlArtistsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "musicgraph_crawl_artists_total",
				Help: "Frontier items processed, labeled by result (explored, skipped, failed).",
			},
			[]string{"result"},
		)

		crawlSongsIngestedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "musicgraph_crawl_songs_ingested_total",
				Help: "New songs written by the ingestor.",
			},
		)

		crawlRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "musicgraph_crawl_runs_total",
				Help: "Finished crawl runs, labeled by terminal status.",
			},
			[]string{"status"},
		)

		crawlFrontierLength = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "musicgraph_frontier_length",
				Help: "Pending canonical ids in the frontier.",
			},
		)

		crawlStoreSizeBytes = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "musicgraph_store_size_bytes",
				Help: "Entity store size measured at the last budget check.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveUpstreamAttempt records one upstream attempt.
func ObserveUpstreamAttempt(endpoint, outcome string, duration time.Duration) {
	Init()
	upstreamRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	upstreamRequestSeconds.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// ObserveUpstreamRetry increments the retry counter for an endpoint.
func ObserveUpstreamRetry(endpoint string) {
	Init()
	upstreamRetriesTotal.WithLabelValues(endpoint).Inc()
}

// ObservePacing records an inter-request sleep.
func ObservePacing(d time.Duration) {
	Init()
	upstreamPacingSeconds.Observe(d.Seconds())
}

// ObserveRateLimitWait records time blocked on a host's token bucket.
func ObserveRateLimitWait(host string, d time.Duration) {
	Init()
	upstreamRateLimitSeconds.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveArtist increments the processed-artist counter.
func ObserveArtist(result string) {
	Init()
	crawlArtistsTotal.WithLabelValues(result).Inc()
}

// AddSongsIngested adds n to the ingested-song counter.
func AddSongsIngested(n int) {
	if n <= 0 {
		return
	}
	Init()
	crawlSongsIngestedTotal.Add(float64(n))
}

// ObserveRun increments the run counter for a terminal status.
func ObserveRun(status string) {
	Init()
	crawlRunsTotal.WithLabelValues(status).Inc()
}

// SetFrontierLength updates the frontier gauge.
func SetFrontierLength(n int) {
	Init()
	crawlFrontierLength.Set(float64(n))
}

// SetStoreSize updates the store size gauge.
func SetStoreSize(bytes int64) {
	Init()
	crawlStoreSizeBytes.Set(float64(bytes))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
