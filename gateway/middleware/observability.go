package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// RequestIDHeader carries the per-request correlation id assigned here.
const RequestIDHeader = "X-Request-Id"

// Observability instruments gateway routes with request counters, latency
// histograms and correlation ids.
type Observability struct {
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

// NewObservability registers the gateway HTTP collectors.
func NewObservability(registry prometheus.Registerer) *Observability {
	obs := &Observability{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "margin",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "HTTP requests segmented by route, method and status.",
		}, []string{"route", "method", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "margin",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	if err := registry.Register(obs.requests); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			obs.requests = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	if err := registry.Register(obs.durations); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			obs.durations = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
	return obs
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware wraps a route with metrics and a request id.
func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			requestID := req.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(recorder, req)
			o.durations.WithLabelValues(route, req.Method).Observe(time.Since(start).Seconds())
			o.requests.WithLabelValues(route, req.Method, http.StatusText(recorder.status)).Inc()
		})
	}
}
