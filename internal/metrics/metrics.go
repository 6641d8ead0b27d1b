// Package metrics holds the Prometheus collectors of the relay.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// TokenResolutions counts access token resolutions by outcome
	// (ok, not_found, blocked, scope_mismatch, error).
	TokenResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_token_resolutions_total",
			Help: "Access token resolutions by outcome.",
		},
		[]string{"outcome"},
	)

	// SessionsOpened counts authentication sessions created.
	SessionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authentication_sessions_opened_total",
		Help: "Authentication sessions opened.",
	})

	// SessionsClaimed counts session claims by outcome (ok, not_found, error).
	SessionsClaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authentication_sessions_claimed_total",
			Help: "Authentication session claims by outcome.",
		},
		[]string{"outcome"},
	)

	// Delegations counts derived accesses handed to clients, split by
	// whether the access was created or reused.
	Delegations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_delegations_total",
			Help: "Derived accesses relayed to clients.",
		},
		[]string{"result"},
	)

	// BusPublishFailures counts swallowed publish errors per topic.
	BusPublishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_publish_failures_total",
			Help: "Event bus publish failures.",
		},
		[]string{"topic"},
	)

	// ActiveListeners tracks open push channels by kind (session, client).
	ActiveListeners = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "delegation_active_listeners",
			Help: "Open delegation push channels.",
		},
		[]string{"kind"},
	)
)

var initOnce sync.Once

// Init registers every collector with the default registry. Safe to call
// more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			TokenResolutions, SessionsOpened, SessionsClaimed,
			Delegations, BusPublishFailures, ActiveListeners,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request count, latency and in-flight gauge. The path
// label is the matched ServeMux pattern so tokens in URLs never become
// label values.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController, which
// the WebSocket upgrade relies on for hijacking.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
