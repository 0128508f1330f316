// Package metrics exposes Prometheus collectors for the scanner service.
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
	fetchTotal                 *prometheus.CounterVec
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	llmCallsTotal              *prometheus.CounterVec
	llmTokensTotal             *prometheus.CounterVec
	documentsTotal             *prometheus.CounterVec
	opportunitiesTotal         *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rfp_fetch_total",
				Help: "Listing page fetches, labeled by site and final error kind.",
			},
			[]string{"site", "kind"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rfp_fetch_attempts_total",
				Help: "Individual browser fetch attempts, labeled by error kind.",
			},
			[]string{"kind"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rfp_fetch_bytes_total",
				Help: "Bytes of HTML fetched, labeled by site.",
			},
			[]string{"site"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)

		llmCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rfp_llm_calls_total",
				Help: "Model calls, labeled by stage and result.",
			},
			[]string{"stage", "result"},
		)

		llmTokensTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rfp_llm_tokens_total",
				Help: "Tokens consumed, labeled by stage and direction.",
			},
			[]string{"stage", "direction"},
		)

		documentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rfp_documents_total",
				Help: "Source documents processed for deep analysis, labeled by result.",
			},
			[]string{"result"},
		)

		opportunitiesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rfp_opportunities_total",
				Help: "Persistence outcomes for relevant opportunities.",
			},
			[]string{"outcome"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "rfp_active_workers",
				Help: "Number of workers currently running a scan.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rfp_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// ObserveFetch records the final outcome of a listing page fetch.
func ObserveFetch(site, kind string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchTotal.WithLabelValues(sanitizedSite, kind).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveFetchAttempt records a single browser attempt.
func ObserveFetchAttempt(kind string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(kind).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveLLMCall records a model call and its token usage.
func ObserveLLMCall(stage, result string, inputTokens, outputTokens int64) {
	Init()
	llmCallsTotal.WithLabelValues(stage, result).Inc()
	if inputTokens > 0 {
		llmTokensTotal.WithLabelValues(stage, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		llmTokensTotal.WithLabelValues(stage, "output").Add(float64(outputTokens))
	}
}

// ObserveDocument records a document download/extraction result.
func ObserveDocument(result string) {
	Init()
	documentsTotal.WithLabelValues(result).Inc()
}

// ObserveSaveResult records persistence outcomes for one batch.
func ObserveSaveResult(saved, duplicates, failed int) {
	Init()
	opportunitiesTotal.WithLabelValues("saved").Add(float64(saved))
	opportunitiesTotal.WithLabelValues("duplicate").Add(float64(duplicates))
	opportunitiesTotal.WithLabelValues("failed").Add(float64(failed))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
