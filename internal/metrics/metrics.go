// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportdesk_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "supportdesk_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Gateway metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supportdesk_sessions_created_total",
			Help: "Total sessions created",
		},
	)

	SessionsClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supportdesk_sessions_closed_total",
			Help: "Total sessions transitioned to closed",
		},
	)

	MessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportdesk_messages_appended_total",
			Help: "Total messages appended",
		},
		[]string{"sender"}, // "customer", "business", "admin" or "bot"
	)

	DuplicateAppends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supportdesk_duplicate_appends_total",
			Help: "Appends answered from an existing idempotency key",
		},
	)

	GatewayErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportdesk_gateway_errors_total",
			Help: "Gateway operation failures by kind",
		},
		[]string{"operation", "kind"},
	)

	StoreRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportdesk_store_retries_total",
			Help: "Store calls retried after an unavailable error",
		},
		[]string{"operation"},
	)

	// Broadcast metrics
	BroadcastPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportdesk_broadcast_published_total",
			Help: "Room events published",
		},
		[]string{"type"},
	)

	BroadcastFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supportdesk_broadcast_failures_total",
			Help: "Room events that could not be published",
		},
	)

	SlowConnectionsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supportdesk_slow_connections_dropped_total",
			Help: "Connections dropped because their send buffer was full",
		},
	)

	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "supportdesk_ws_connections",
			Help: "Open websocket connections",
		},
	)

	WSRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supportdesk_ws_rate_limited_total",
			Help: "Inbound websocket frames rejected by the rate limiter",
		},
	)

	// Notification metrics
	NotificationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supportdesk_notification_failures_total",
			Help: "Notifications that could not be handed off",
		},
	)
)
