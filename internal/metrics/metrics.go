// Package metrics holds the process-wide Prometheus collectors, registered on
// the default registry and served at /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Classifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewguard_classifications_total",
		Help: "Labels assigned by classification.",
	}, []string{"label"})

	Sessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewguard_sessions_total",
		Help: "Acknowledgment session transitions.",
	}, []string{"event"})

	SessionOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reviewguard_session_open",
		Help: "1 while an acknowledgment session is open.",
	})

	WebhookSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewguard_webhook_sends_total",
		Help: "Webhook deliveries by outcome.",
	}, []string{"outcome"})

	SearchQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewguard_search_queries_total",
		Help: "Per-queue search queries by source.",
	}, []string{"source"})

	SearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reviewguard_search_duration_seconds",
		Help:    "Wall time of complete search runs.",
		Buckets: prometheus.DefBuckets,
	})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewguard_http_requests_total",
		Help: "Host API requests.",
	}, []string{"method", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reviewguard_http_request_duration_seconds",
		Help:    "Host API request duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

// Middleware records request count and latency per chi route pattern, so
// path parameters never explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
