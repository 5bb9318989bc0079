// Package metrics exposes Prometheus collectors for the discovery service.
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
	stageTotal                 *prometheus.CounterVec
	stageDurationSeconds       *prometheus.HistogramVec
	fetchTotal                 *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	embeddingsTotal            *prometheus.CounterVec
	embeddingDurationSeconds   *prometheus.HistogramVec
	imagesTotal                *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeRuns                 prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	auditRecordsTotal          *prometheus.CounterVec
	auditDroppedTotal          prometheus.Counter
	selectionsTotal            *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		stageTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_stage_total",
				Help: "Total number of pipeline stage executions, labeled by stage and status.",
			},
			[]string{"stage", "status"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "discovery_stage_duration_seconds",
				Help:    "Histogram of pipeline stage latencies, labeled by stage.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"stage"},
		)

		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_fetch_total",
				Help: "Total number of pages fetched, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		embeddingsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_embeddings_total",
				Help: "Total number of embedding calls, labeled by model and status.",
			},
			[]string{"model", "status"},
		)

		embeddingDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "discovery_embedding_duration_seconds",
				Help:    "Histogram of embedding latencies, labeled by model.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"model"},
		)

		imagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_images_total",
				Help: "Total number of product images processed, labeled by status.",
			},
			[]string{"status"},
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

		activeRuns = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "discovery_active_runs",
				Help: "Number of pipeline runs currently executing.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "discovery_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		auditRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_audit_records_total",
				Help: "Total number of audit records emitted, labeled by stage and status.",
			},
			[]string{"stage", "status"},
		)

		auditDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "discovery_audit_dropped_total",
				Help: "Total number of audit records dropped because the buffer was full.",
			},
		)

		selectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_selections_total",
				Help: "Total number of selection outcomes, labeled by analysis mode and result.",
			},
			[]string{"mode", "result"},
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

// ObserveStage records the outcome and latency of one pipeline stage.
func ObserveStage(stage, status string, duration time.Duration) {
	Init()
	stageTotal.WithLabelValues(stage, status).Inc()
	stageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveFetch increments the fetch metrics.
func ObserveFetch(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveEmbedding records one embedding call.
func ObserveEmbedding(model, status string, duration time.Duration) {
	Init()
	embeddingsTotal.WithLabelValues(model, status).Inc()
	embeddingDurationSeconds.WithLabelValues(model).Observe(duration.Seconds())
}

// ObserveImage increments the image counter for the given status.
func ObserveImage(status string) {
	Init()
	imagesTotal.WithLabelValues(status).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveRuns increments the active runs gauge.
func IncActiveRuns() {
	Init()
	activeRuns.Inc()
}

// DecActiveRuns decrements the active runs gauge.
func DecActiveRuns() {
	Init()
	activeRuns.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveAuditRecord increments the audit record counter.
func ObserveAuditRecord(stage, status string) {
	Init()
	auditRecordsTotal.WithLabelValues(stage, status).Inc()
}

// ObserveAuditDropped increments the dropped audit record counter.
func ObserveAuditDropped() {
	Init()
	auditDroppedTotal.Inc()
}

// ObserveSelection records whether a ranking pass selected a product.
func ObserveSelection(mode string, selected bool) {
	Init()
	result := "none"
	if selected {
		result = "selected"
	}
	selectionsTotal.WithLabelValues(mode, result).Inc()
}
