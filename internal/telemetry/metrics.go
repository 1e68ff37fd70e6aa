package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	httpDur = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	Resolves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightfoot_resolves_total",
			Help: "Flag resolutions by reason (STATIC, CACHED, STALE)",
		},
		[]string{"reason"},
	)
	Fetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightfoot_fetches_total",
			Help: "Evaluation fetches by trigger and outcome",
		},
		[]string{"trigger", "outcome"},
	)
	FetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lightfoot_fetch_duration_seconds",
		Help:    "Evaluation fetch duration in seconds",
		Buckets: prometheus.DefBuckets,
	})
	SnapshotFlags = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lightfoot_snapshot_flags",
		Help: "Number of flags in the live evaluation snapshot",
	})
	SpanEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lightfoot_span_events_total",
		Help: "feature_flag.evaluated events attached to spans",
	})
)

var initOnce sync.Once

// Init registers all collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(httpReqs, httpDur, Resolves, Fetches, FetchDuration, SnapshotFlags, SpanEvents)
	})
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(trigger string, err error, took time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	Fetches.WithLabelValues(trigger, outcome).Inc()
	FetchDuration.Observe(took.Seconds())
}

func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)

		// route pattern is only known once chi has routed the request
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}

		httpReqs.WithLabelValues(route, r.Method, http.StatusText(ww.status)).Inc()
		httpDur.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
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
