package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the engine.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	checksTotal     *prometheus.CounterVec
	resolveDuration *prometheus.HistogramVec
	cacheEvents     *prometheus.CounterVec
	emitterDropped  prometheus.Counter
}

// NewMetrics initialises the registry and engine metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authgrid_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "authgrid_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	checks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authgrid_checks_total",
		Help: "Permission checks by outcome reason.",
	}, []string{"reason"})
	resolve := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "authgrid_resolve_duration_seconds",
		Help: "End-to-end permission check latency.",
		// The p95 budget for a warm-cache check is 15ms.
		Buckets: []float64{.0005, .001, .0025, .005, .01, .015, .025, .05, .1, .25},
	}, []string{"reason"})
	cacheEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authgrid_resolution_cache_events_total",
		Help: "Resolution cache hits, misses and invalidations per level.",
	}, []string{"level", "event"})
	emitterDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authgrid_audit_events_dropped_total",
		Help: "Audit events discarded after buffer overflow or delivery failure.",
	})
	registry.MustRegister(requests, duration, checks, resolve, cacheEvents, emitterDropped)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		checksTotal:     checks,
		resolveDuration: resolve,
		cacheEvents:     cacheEvents,
		emitterDropped:  emitterDropped,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveCheck records one permission check outcome and its latency.
func (m *Metrics) ObserveCheck(reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.checksTotal.WithLabelValues(reason).Inc()
	m.resolveDuration.WithLabelValues(reason).Observe(d.Seconds())
}

// ObserveCacheEvent records a resolution cache event for one level.
func (m *Metrics) ObserveCacheEvent(level, event string) {
	if m == nil {
		return
	}
	m.cacheEvents.WithLabelValues(level, event).Inc()
}

// ObserveEmitterDrop counts a discarded audit event.
func (m *Metrics) ObserveEmitterDrop() {
	if m == nil {
		return
	}
	m.emitterDropped.Inc()
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
