// Package metrics holds the Prometheus collectors for sync cycles, the cache
// and the HTTP surface. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	cyclesTotal   prometheus.Counter
	cycleDuration prometheus.Histogram
	outcomes      *prometheus.CounterVec
	eventsWritten *prometheus.CounterVec
	malformed     *prometheus.CounterVec
	cacheAge      *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in
// tests to keep them isolated.
func New(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		cyclesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "inkcal_sync_cycles_total",
			Help: "Total number of sync cycles run.",
		}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "inkcal_sync_cycle_duration_seconds",
			Help:    "Histogram of sync cycle durations.",
			Buckets: prometheus.DefBuckets,
		}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inkcal_sync_outcomes_total",
			Help: "Per-calendar sync outcomes by state and failure kind.",
		}, []string{"calendar", "state", "kind"}),
		eventsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inkcal_events_written_total",
			Help: "Events written to the cache.",
		}, []string{"calendar"}),
		malformed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inkcal_malformed_records_total",
			Help: "Remote records skipped as malformed.",
		}, []string{"calendar"}),
		cacheAge: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "inkcal_cache_age_seconds",
			Help: "Seconds since the last successful sync; -1 when never synced.",
		}, []string{"calendar"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inkcal_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"method", "route"}),
		httpErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inkcal_http_errors_total",
			Help: "Total number of HTTP requests resulting in server errors.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inkcal_http_request_duration_seconds",
			Help:    "Histogram of latencies for HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		gatherer: gatherer,
	}
}

func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cyclesTotal.Inc()
	m.cycleDuration.Observe(d.Seconds())
}

// Outcome counts one calendar result. kind is empty for successful fetches.
func (m *Metrics) Outcome(calendarID, state, kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "none"
	}
	m.outcomes.WithLabelValues(calendarID, state, kind).Inc()
}

func (m *Metrics) EventsWritten(calendarID string, written, malformed int) {
	if m == nil {
		return
	}
	m.eventsWritten.WithLabelValues(calendarID).Add(float64(written))
	m.malformed.WithLabelValues(calendarID).Add(float64(malformed))
}

// CacheAge records the age for calendarID; a negative age means never synced.
func (m *Metrics) CacheAge(calendarID string, age time.Duration) {
	if m == nil {
		return
	}
	if age < 0 {
		m.cacheAge.WithLabelValues(calendarID).Set(-1)
		return
	}
	m.cacheAge.WithLabelValues(calendarID).Set(age.Seconds())
}

// Middleware records request metrics keyed by the chi route pattern.
func (m *Metrics) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			// The pattern is only complete once routing has finished.
			route := routePattern(r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			code := strconv.Itoa(status)

			m.httpRequests.WithLabelValues(r.Method, route).Inc()
			m.httpDuration.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())
			if status >= http.StatusInternalServerError {
				m.httpErrors.WithLabelValues(r.Method, route, code).Inc()
			}
		})
	}
}

// Handler exposes the metrics endpoint for the gatherer given to New, or the
// default registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
