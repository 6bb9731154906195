package ws

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/replicant/metric"
)

// Metrics holds Prometheus metrics for the WebSocket gateway.
type Metrics struct {
	clientsConnected   prometheus.Gauge
	connectionTotal    prometheus.Counter
	disconnectionTotal *prometheus.CounterVec
	messagesSent       *prometheus.CounterVec
	commandsReceived   *prometheus.CounterVec
	errorsTotal        *prometheus.CounterVec
}

// newMetrics creates and registers gateway metrics.
// Returns nil if no registry provided (nil input = nil feature pattern).
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "replicant",
			Subsystem: "websocket",
			Name:      "clients_connected",
			Help:      "Number of currently connected clients",
		}),

		connectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replicant",
			Subsystem: "websocket",
			Name:      "client_connections_total",
			Help:      "Total client connections (including disconnected)",
		}),

		disconnectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replicant",
			Subsystem: "websocket",
			Name:      "client_disconnections_total",
			Help:      "Total client disconnections",
		}, []string{"disconnect_reason"}),

		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replicant",
			Subsystem: "websocket",
			Name:      "messages_sent_total",
			Help:      "Total messages sent to WebSocket clients",
		}, []string{"type"}),

		commandsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replicant",
			Subsystem: "websocket",
			Name:      "commands_received_total",
			Help:      "Total commands received from WebSocket clients",
		}, []string{"type"}),

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replicant",
			Subsystem: "websocket",
			Name:      "errors_total",
			Help:      "WebSocket gateway errors",
		}, []string{"error_type"}),
	}

	registry.PrometheusRegistry().MustRegister(
		metrics.clientsConnected,
		metrics.connectionTotal,
		metrics.disconnectionTotal,
		metrics.messagesSent,
		metrics.commandsReceived,
		metrics.errorsTotal,
	)

	return metrics
}
