// Package metrics holds the Prometheus instruments for the event pipeline
// and the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_api_request_duration_seconds",
			Help:    "Duration of API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Broker consumer
	BrokerDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_broker_deliveries_total",
			Help: "Queue deliveries by result",
		},
		[]string{"result"}, // "acked", "rejected", "failed"
	)

	BrokerReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_broker_reconnect_attempts_total",
			Help: "Total number of broker reconnect attempts",
		},
	)

	BrokerRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_broker_consumer_running",
			Help: "1 while the queue consumer holds a live session",
		},
	)

	// Ingestion
	NotificationsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_notifications_ingested_total",
			Help: "Ingested signals by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// Hub and streams
	HubPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_hub_events_published_total",
			Help: "Events published to the fan-out hub",
		},
		[]string{"channel"},
	)

	HubHandlerPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_hub_handler_panics_total",
			Help: "Subscriber handlers that panicked during delivery",
		},
	)

	StreamSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_stream_sessions",
			Help: "Open live stream sessions",
		},
		[]string{"transport", "channel"},
	)

	StreamEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_stream_events_dropped_total",
			Help: "Events dropped because a session buffer was full",
		},
		[]string{"channel"},
	)
)

// RecordAPIRequest records an API request.
func RecordAPIRequest(method, route string, status int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordIngest counts one ingestion outcome.
func RecordIngest(kind, outcome string) {
	NotificationsIngested.WithLabelValues(kind, outcome).Inc()
}

func RecordDelivery(result string) {
	BrokerDeliveries.WithLabelValues(result).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
