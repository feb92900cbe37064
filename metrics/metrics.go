package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custos_http_requests_total",
			Help: "Total HTTP requests by method and status code",
		},
		[]string{"method", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "custos_http_request_duration_seconds",
			Help:    "Time taken to serve HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
	)

	CSRFValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custos_csrf_validations_total",
			Help: "CSRF verification outcomes (ok, missing, invalid, internal)",
		},
		[]string{"outcome"},
	)

	LoginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custos_login_attempts_total",
			Help: "Login attempts by outcome",
		},
		[]string{"outcome"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "custos_active_sessions",
			Help: "Currently tracked sessions in the session store",
		},
	)

	OutboundRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custos_outbound_retries_total",
			Help: "Retry attempts against outbound dependencies",
		},
		[]string{"target"},
	)

	OutboundBreakerOpens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custos_outbound_breaker_opens_total",
			Help: "Circuit breaker open transitions per outbound target",
		},
		[]string{"target"},
	)

	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custos_panics_recovered_total",
			Help: "Panics recovered by the API middleware",
		},
		[]string{"method", "path"},
	)

	WebhookNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custos_webhook_notifications_total",
			Help: "Webhook notifications by outcome",
		},
		[]string{"outcome"},
	)
)
