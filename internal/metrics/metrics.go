// Package metrics exposes Prometheus metrics for campaign execution.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for reachd
type Metrics struct {
	// Dispatch counters
	MessagesSentTotal   *prometheus.CounterVec
	MessagesFailedTotal *prometheus.CounterVec
	TargetsSkippedTotal *prometheus.CounterVec

	// Reply correlation
	RepliesMatchedTotal   prometheus.Counter
	RepliesUnmatchedTotal prometheus.Counter

	// Pool gauges
	AccountsHealthy prometheus.Gauge
	ProxiesAlive    prometheus.Gauge
	SessionsActive  prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// Rate limiting
	RateLimitDeferredTotal *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reachd_messages_sent_total",
				Help: "Total number of successfully delivered messages",
			},
			[]string{"campaign"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reachd_messages_failed_total",
				Help: "Total number of permanently failed targets",
			},
			[]string{"campaign", "reason"},
		),
		TargetsSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reachd_targets_skipped_total",
				Help: "Total number of targets skipped as unreachable or unsupported",
			},
			[]string{"campaign", "reason"},
		),

		RepliesMatchedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reachd_replies_matched_total",
				Help: "Total number of reply events correlated to an attempt",
			},
		),
		RepliesUnmatchedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reachd_replies_unmatched_total",
				Help: "Total number of reply events with no matching attempt",
			},
		),

		AccountsHealthy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "reachd_accounts_healthy",
				Help: "Number of accounts currently eligible for dispatch",
			},
		),
		ProxiesAlive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "reachd_proxies_alive",
				Help: "Number of proxies that passed their last liveness check",
			},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "reachd_sessions_active",
				Help: "Number of browser sessions currently running",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reachd_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reachd_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reachd_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		RateLimitDeferredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reachd_ratelimit_deferred_total",
				Help: "Total number of dispatches deferred by a rate limit",
			},
			[]string{"level"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "reachd_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "reachd_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "reachd_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.TargetsSkippedTotal,
		m.RepliesMatchedTotal,
		m.RepliesUnmatchedTotal,
		m.AccountsHealthy,
		m.ProxiesAlive,
		m.SessionsActive,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.RateLimitDeferredTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
