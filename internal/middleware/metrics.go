package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics, registered once at package init via promauto.
var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edge",
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests by method, path, and status code.",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "edge",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and path.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"method", "path"})

	httpRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "edge",
		Name:      "http_requests_in_flight",
		Help:      "Current number of HTTP requests being processed.",
	})
)

// Metrics returns middleware that tracks HTTP request counts, durations, and in-flight
// requests using Prometheus. Place it outside SecurityHeaders so 429s are counted too.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip the /metrics endpoint itself to avoid self-referential noise
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rw.statusCode)

		// Normalise path to keep label cardinality bounded
		path := normalisePath(r.URL.Path)
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalisePath maps a request path to its route class.
// Unknown paths collapse to "/other" to prevent label cardinality explosion.
func normalisePath(p string) string {
	switch {
	case p == "/health/live", p == "/health/ready", p == "/metrics":
		return p
	case strings.HasPrefix(p, "/api/admin"):
		return "/api/admin"
	case strings.HasPrefix(p, "/api/bot/"):
		return "/api/bot"
	case strings.HasPrefix(p, "/api/"):
		return "/api"
	case p == "/admin" || strings.HasPrefix(p, "/admin/"):
		return "/admin"
	case strings.HasPrefix(p, "/_next/"), strings.HasPrefix(p, "/static/"), strings.HasPrefix(p, "/images/"):
		return "/static"
	case p == "/":
		return p
	default:
		return "/other"
	}
}
