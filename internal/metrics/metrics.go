// Package metrics exposes Prometheus collectors for the scrape pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cacheLookupsTotal          *prometheus.CounterVec
	transportLookupsTotal      *prometheus.CounterVec
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchAttemptSeconds        *prometheus.HistogramVec
	fetchErrorsTotal           *prometheus.CounterVec
	resolveTotal               *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	robotsFallbacksTotal       prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapebot_cache_lookups_total",
				Help: "Tiered cache lookups, labeled by tier and result.",
			},
			[]string{"tier", "result"},
		)

		transportLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapebot_transport_cache_lookups_total",
				Help: "HTTP transport cache lookups, labeled by result.",
			},
			[]string{"result"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapebot_fetch_attempts_total",
				Help: "Fetch attempts, labeled by strategy and outcome.",
			},
			[]string{"strategy", "outcome"},
		)

		fetchAttemptSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrapebot_fetch_attempt_duration_seconds",
				Help:    "Histogram of single fetch attempt latencies, labeled by strategy.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"strategy"},
		)

		fetchErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapebot_fetch_errors_total",
				Help: "Terminal fetch failures, labeled by error kind.",
			},
			[]string{"kind"},
		)

		resolveTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapebot_resolve_total",
				Help: "Resolved resources, labeled by outcome (cached, fetched, failed).",
			},
			[]string{"outcome"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrapebot_active_workers",
				Help: "Number of workers currently resolving a resource.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrapebot_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		robotsFallbacksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scrapebot_robots_fallbacks_total",
				Help: "robots.txt probes that timed out and were treated as allow-all.",
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCacheLookup counts a tiered cache lookup.
func ObserveCacheLookup(tier, result string) {
	cacheLookupsTotal.WithLabelValues(tier, result).Inc()
}

// ObserveTransportLookup counts a transport cache lookup.
func ObserveTransportLookup(result string) {
	transportLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveFetchAttempt records one fetch attempt.
func ObserveFetchAttempt(strategy, outcome string, duration time.Duration) {
	fetchAttemptsTotal.WithLabelValues(strategy, outcome).Inc()
	fetchAttemptSeconds.WithLabelValues(strategy).Observe(duration.Seconds())
}

// ObserveFetchError counts a terminal fetch failure.
func ObserveFetchError(kind string) {
	fetchErrorsTotal.WithLabelValues(kind).Inc()
}

// ObserveResolve counts a resolved resource.
func ObserveResolve(outcome string) {
	resolveTotal.WithLabelValues(outcome).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a robots.txt probe replaced by allow-all.
func ObserveRobotsFallback() {
	robotsFallbacksTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
