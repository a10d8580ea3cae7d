package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rider_agent"

var (
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "api_requests_total", Help: "Requests sent to the rider API"},
		[]string{"method", "endpoint", "status"},
	)
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Rider API round-trip latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "token_refreshes_total", Help: "Refresh-token exchanges by outcome"},
		[]string{"outcome"},
	)

	SocketReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "socket_reconnect_attempts_total", Help: "Socket dial attempts after a drop"},
		[]string{"namespace"},
	)
	SocketTerminalFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "socket_terminal_failures_total", Help: "Sockets that exhausted their reconnect budget"},
		[]string{"namespace"},
	)
	SocketEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "socket_events_total", Help: "Server-pushed events received"},
		[]string{"namespace", "event"},
	)

	LocationUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Location fixes by outcome (sent, throttled, geocode_failed, error)"},
		[]string{"outcome"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cache_lookups_total", Help: "Query cache lookups by result"},
		[]string{"result"},
	)
	CacheInvalidations = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "cache_invalidations_total", Help: "Query cache keys invalidated"})

	Online       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "online", Help: "1 while the rider is online"})
	ActiveOrders = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_orders", Help: "Assigned orders not yet delivered"})

	OrderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "order_transitions_total", Help: "Rider order actions by type and outcome"},
		[]string{"action", "outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "control_requests_total", Help: "Control API requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "control_request_duration_seconds",
			Help:      "Control API latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
