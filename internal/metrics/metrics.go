// Package metrics exposes Prometheus collectors for the HTTP surface
// and the sync core. Collectors are package-level and registered via
// promauto, so any package can record without wiring.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caltube_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "caltube_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})

	syncPropagationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caltube_sync_propagations_total",
		Help: "Per-target propagation attempts by change kind and outcome.",
	}, []string{"kind", "outcome"})

	tokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caltube_token_refreshes_total",
		Help: "OAuth token refresh attempts by outcome.",
	}, []string{"outcome"})

	webhookRenewalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caltube_webhook_renewals_total",
		Help: "Webhook channel setup attempts by outcome.",
	}, []string{"outcome"})
)

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// ObserveSyncPropagation records one per-target propagation attempt.
func ObserveSyncPropagation(kind, outcome string) {
	syncPropagationsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveTokenRefresh records one token refresh attempt.
func ObserveTokenRefresh(outcome string) {
	tokenRefreshesTotal.WithLabelValues(outcome).Inc()
}

// ObserveWebhookRenewal records one webhook setup attempt.
func ObserveWebhookRenewal(outcome string) {
	webhookRenewalsTotal.WithLabelValues(outcome).Inc()
}

// Middleware records request counts and latencies for every route.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := strconv.Itoa(ww.Status())
			httpRequestsTotal.WithLabelValues(r.Method, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, status).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
