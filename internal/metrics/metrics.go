package metrics

// Package metrics exposes Prometheus instrumentation for the gateway.
// Collectors are created per instance and registered on a dedicated
// registry so tests never fight over global state.

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's collectors.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ProxyUpstream   *prometheus.CounterVec
	ProxyStreaming  prometheus.Counter
	RefreshAttempts *prometheus.CounterVec
	RateLimited     prometheus.Counter
	SessionsEnded   *prometheus.CounterVec
}

// New creates and registers the gateway collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caregate_http_requests_total",
			Help: "HTTP requests handled, by method and status class.",
		}, []string{"method", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caregate_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		ProxyUpstream: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caregate_proxy_upstream_responses_total",
			Help: "Upstream responses relayed by the proxy, by status class.",
		}, []string{"status"}),
		ProxyStreaming: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caregate_proxy_streaming_responses_total",
			Help: "Upstream responses relayed as event streams.",
		}),
		RefreshAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caregate_token_refresh_attempts_total",
			Help: "Token refresh attempts, by outcome.",
		}, []string{"outcome"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caregate_rate_limited_responses_total",
			Help: "429 responses observed from the backend (not retried).",
		}),
		SessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caregate_sessions_ended_total",
			Help: "Sessions destroyed, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ProxyUpstream,
		m.ProxyStreaming,
		m.RefreshAttempts,
		m.RateLimited,
		m.SessionsEnded,
	)
	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StatusClass buckets a status code into "2xx", "4xx", etc.
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
