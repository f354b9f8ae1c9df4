package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadpilot_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leadpilot_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	activeStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "leadpilot_active_streams",
			Help: "Number of progress streams currently attached",
		},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadpilot_runs_total",
			Help: "Search runs by trigger and terminal status",
		},
		[]string{"trigger", "status"},
	)

	sourceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadpilot_source_errors_total",
			Help: "Source connector failures, including timeouts",
		},
		[]string{"source"},
	)

	leadsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadpilot_leads_created_total",
			Help: "Leads created by source",
		},
		[]string{"source"},
	)

	classifierFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leadpilot_classifier_fallbacks_total",
			Help: "Classifications that used the local heuristic",
		},
	)

	dispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadpilot_dispatch_outcomes_total",
			Help: "Dispatch attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request counts and latency labelled by the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rw, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func StreamOpened() { activeStreams.Inc() }
func StreamClosed() { activeStreams.Dec() }

func RecordRun(trigger, status string) {
	runsTotal.WithLabelValues(trigger, status).Inc()
}

func RecordSourceError(source string) {
	sourceErrors.WithLabelValues(source).Inc()
}

func RecordLeadCreated(source string) {
	leadsCreated.WithLabelValues(source).Inc()
}

func RecordClassifierFallback() {
	classifierFallbacks.Inc()
}

func RecordDispatch(channel, outcome string) {
	dispatchOutcomes.WithLabelValues(channel, outcome).Inc()
}
