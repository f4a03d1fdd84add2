package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPServerMetrics also implements ports.CacheObserver for the generation cache.
type HTTPServerMetrics struct {
	registry *prometheus.Registry
	service  string

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	cacheLookupsTotal  *prometheus.CounterVec
	generationsTotal   *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	generationInFlight prometheus.Gauge
	sharedResultsTotal *prometheus.CounterVec
	ingestTotal        *prometheus.CounterVec
	retrievalResults   *prometheus.HistogramVec
	retrievalDuration  *prometheus.HistogramVec
	rateLimitedTotal   *prometheus.CounterVec

	resilience *ResilienceMetrics
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "engine",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "engine",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	cacheLookupsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Generation cache lookups by layer and outcome.",
		},
		[]string{"service", "layer", "outcome"},
	)
	generationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "generation",
			Name:      "runs_total",
			Help:      "Generations that actually ran, by status.",
		},
		[]string{"service", "status"},
	)
	generationDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "engine",
			Subsystem: "generation",
			Name:      "duration_seconds",
			Help:      "Duration of the shared generation call in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"service", "status"},
	)
	generationInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "engine",
			Subsystem: "generation",
			Name:      "in_flight",
			Help:      "Number of generations currently running.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	sharedResultsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "generation",
			Name:      "shared_results_total",
			Help:      "Callers that received a result computed for another caller.",
		},
		[]string{"service"},
	)
	ingestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "ingest",
			Name:      "documents_total",
			Help:      "Ingested documents by status.",
		},
		[]string{"service", "status"},
	)
	retrievalResults := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "engine",
			Subsystem: "retrieval",
			Name:      "results",
			Help:      "Distribution of results returned per search.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21, 50},
		},
		[]string{"service", "mode"},
	)
	retrievalDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "engine",
			Subsystem: "retrieval",
			Name:      "duration_seconds",
			Help:      "Search duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "mode"},
	)
	rateLimitedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		},
		[]string{"service"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		cacheLookupsTotal,
		generationsTotal,
		generationDuration,
		generationInFlight,
		sharedResultsTotal,
		ingestTotal,
		retrievalResults,
		retrievalDuration,
		rateLimitedTotal,
	)

	return &HTTPServerMetrics{
		registry:           registry,
		service:            service,
		requestTotal:       requestTotal,
		requestDuration:    requestDuration,
		requestInFlight:    requestInFlight,
		cacheLookupsTotal:  cacheLookupsTotal,
		generationsTotal:   generationsTotal,
		generationDuration: generationDuration,
		generationInFlight: generationInFlight,
		sharedResultsTotal: sharedResultsTotal,
		ingestTotal:        ingestTotal,
		retrievalResults:   retrievalResults,
		retrievalDuration:  retrievalDuration,
		rateLimitedTotal:   rateLimitedTotal,
		resilience:         newResilienceMetrics(registry, service),
	}
}

// Resilience reports outbound retries and breaker state on the same registry.
func (m *HTTPServerMetrics) Resilience() *ResilienceMetrics {
	return m.resilience
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath collapses index names and document ids so label cardinality stays bounded.
func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/v1/indexes/") {
		return path
	}
	parts := strings.Split(strings.TrimPrefix(path, "/v1/indexes/"), "/")
	switch {
	case len(parts) == 2 && parts[1] == "documents":
		return "/v1/indexes/{index}/documents"
	case len(parts) == 3 && parts[1] == "documents":
		return "/v1/indexes/{index}/documents/{document_id}"
	case len(parts) == 2 && parts[1] == "search":
		return "/v1/indexes/{index}/search"
	default:
		return "/v1/indexes/other"
	}
}

func (m *HTTPServerMetrics) CacheLookup(layer, outcome string) {
	m.cacheLookupsTotal.WithLabelValues(m.service, layer, outcome).Inc()
}

func (m *HTTPServerMetrics) GenerationStarted() {
	m.generationInFlight.Inc()
}

func (m *HTTPServerMetrics) GenerationFinished(duration time.Duration, err error) {
	m.generationInFlight.Dec()
	status := "success"
	if err != nil {
		status = "error"
	}
	m.generationsTotal.WithLabelValues(m.service, status).Inc()
	m.generationDuration.WithLabelValues(m.service, status).Observe(duration.Seconds())
}

func (m *HTTPServerMetrics) SharedResult() {
	m.sharedResultsTotal.WithLabelValues(m.service).Inc()
}

func (m *HTTPServerMetrics) RecordIngest(status string) {
	if status == "" {
		status = "unknown"
	}
	m.ingestTotal.WithLabelValues(m.service, status).Inc()
}

func (m *HTTPServerMetrics) RecordRetrieval(mode string, results int, duration time.Duration) {
	if mode == "" {
		mode = "unknown"
	}
	m.retrievalResults.WithLabelValues(m.service, mode).Observe(float64(results))
	m.retrievalDuration.WithLabelValues(m.service, mode).Observe(duration.Seconds())
}

func (m *HTTPServerMetrics) RecordRateLimited() {
	m.rateLimitedTotal.WithLabelValues(m.service).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

func (w *statusRecorder) Push(target string, opts *http.PushOptions) error {
	pusher, ok := w.ResponseWriter.(http.Pusher)
	if !ok {
		return http.ErrNotSupported
	}
	return pusher.Push(target, opts)
}
