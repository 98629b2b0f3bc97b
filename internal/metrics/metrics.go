// Package metrics provides Prometheus instrumentation for HomeCast.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homecast_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "homecast_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Routing metrics.
var (
	RoutesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homecast_routes_total",
		Help: "Total number of routed agent requests by delivery path and outcome.",
	}, []string{"path", "outcome"}) // path: local|bus, outcome: ok|error|timeout

	RouteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "homecast_route_duration_seconds",
		Help:    "Agent request round-trip duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})
)

// Bus metrics.
var (
	BusPublishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homecast_bus_publishes_total",
		Help: "Total number of bus publishes by frame type and outcome.",
	}, []string{"type", "outcome"})

	BusConsumesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homecast_bus_consumes_total",
		Help: "Total number of bus frames consumed by frame type.",
	}, []string{"type"})
)

// Connection metrics.
var (
	ActiveAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "homecast_active_agents",
		Help: "Number of agent sockets connected to this instance.",
	})

	ActiveListeners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "homecast_active_listeners",
		Help: "Number of listener sockets connected to this instance.",
	})

	WSMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homecast_ws_messages_total",
		Help: "Total number of WebSocket messages sent.",
	})
)
