// Package metrics provides Prometheus instrumentation for the chat services.
// It exposes gauges for connections and online users, counters for event and
// notification throughput, and histograms for handler latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of sessions that completed join.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_online_users",
		Help: "Current number of joined users",
	})

	// EventsTotal counts inbound client events by type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_events_total",
		Help: "Total number of inbound events processed",
	}, []string{"type"})

	// EventErrors counts inbound events answered with an error event, by code.
	EventErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_event_errors_total",
		Help: "Total number of inbound events rejected",
	}, []string{"code"})

	// HandlerLatency records dispatcher handler latency in seconds.
	HandlerLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_handler_latency_seconds",
		Help:    "Dispatcher handler latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
	}, []string{"type"})

	// NotificationsPushed counts notifications appended to the ledger by type.
	NotificationsPushed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_notifications_pushed_total",
		Help: "Total number of notifications pushed",
	}, []string{"type"})

	// DeliveryFailures counts outbound writes that failed.
	DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_delivery_failures_total",
		Help: "Total number of failed outbound deliveries",
	})

	// RateLimited counts throttled actions.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_rate_limited_total",
		Help: "Total number of rate limited actions",
	}, []string{"action"})

	// ActivityPublished counts activity events handed to the message bus.
	ActivityPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_activity_published_total",
		Help: "Total number of activity events published",
	}, []string{"kind"})

	// ActivityDropped counts activity events dropped because the observer
	// queue was full.
	ActivityDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_activity_dropped_total",
		Help: "Total number of activity events dropped before reaching observers",
	})

	// ReconnectAttempts counts client reconnection attempts.
	ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_reconnect_attempts_total",
		Help: "Total number of client reconnection attempts",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		EventsTotal,
		EventErrors,
		HandlerLatency,
		NotificationsPushed,
		DeliveryFailures,
		RateLimited,
		ActivityPublished,
		ActivityDropped,
		ReconnectAttempts,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
