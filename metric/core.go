package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics (not domain-specific)
type Metrics struct {
	// Service metrics
	ServiceStatus     *prometheus.GaugeVec
	ErrorsTotal       *prometheus.CounterVec
	HealthCheckStatus *prometheus.GaugeVec

	// Replicant metrics
	ReplicantOperations *prometheus.CounterVec
	OperationDuration   *prometheus.HistogramVec
	ReplicantRevision   *prometheus.GaugeVec
	ValidationFailures  *prometheus.CounterVec

	// Broadcast metrics
	MessagesBroadcast *prometheus.CounterVec
	ActiveClients     prometheus.Gauge
	Subscriptions     *prometheus.GaugeVec

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Service metrics
		ServiceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "replicant",
				Subsystem: "service",
				Name:      "status",
				Help:      "Service status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"service"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "replicant",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"service", "type"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "replicant",
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"service"},
		),

		// Replicant metrics
		ReplicantOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "replicant",
				Subsystem: "store",
				Name:      "operations_total",
				Help:      "Total number of store operations",
			},
			[]string{"namespace", "operation", "status"},
		),

		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "replicant",
				Subsystem: "store",
				Name:      "operation_duration_seconds",
				Help:      "Store operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"namespace", "operation"},
		),

		ReplicantRevision: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "replicant",
				Subsystem: "store",
				Name:      "revision",
				Help:      "Current revision of a replicant",
			},
			[]string{"namespace", "name"},
		),

		ValidationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "replicant",
				Subsystem: "schema",
				Name:      "validation_failures_total",
				Help:      "Total number of schema validation failures",
			},
			[]string{"namespace", "name"},
		),

		// Broadcast metrics
		MessagesBroadcast: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "replicant",
				Subsystem: "broadcast",
				Name:      "messages_total",
				Help:      "Total number of change notifications broadcast",
			},
			[]string{"namespace"},
		),

		ActiveClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "replicant",
				Subsystem: "broadcast",
				Name:      "active_clients",
				Help:      "Number of connected WebSocket clients",
			},
		),

		Subscriptions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "replicant",
				Subsystem: "broadcast",
				Name:      "subscriptions",
				Help:      "Number of active subscriptions per namespace",
			},
			[]string{"namespace"},
		),

		// NATS metrics
		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "replicant",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "replicant",
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "replicant",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "replicant",
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
		),
	}
}

// RecordServiceStatus updates service status metric
func (c *Metrics) RecordServiceStatus(service string, status int) {
	c.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordError increments the error counter
func (c *Metrics) RecordError(service, errType string) {
	c.ErrorsTotal.WithLabelValues(service, errType).Inc()
}

// RecordHealthCheck updates health check status metric
func (c *Metrics) RecordHealthCheck(service string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	c.HealthCheckStatus.WithLabelValues(service).Set(value)
}

// RecordOperation records a store operation with its outcome and duration
func (c *Metrics) RecordOperation(namespace, operation, status string, duration time.Duration) {
	c.ReplicantOperations.WithLabelValues(namespace, operation, status).Inc()
	c.OperationDuration.WithLabelValues(namespace, operation).Observe(duration.Seconds())
}

// RecordRevision updates the revision gauge for a replicant
func (c *Metrics) RecordRevision(namespace, name string, revision uint64) {
	c.ReplicantRevision.WithLabelValues(namespace, name).Set(float64(revision))
}

// RecordValidationFailure increments the schema validation failure counter
func (c *Metrics) RecordValidationFailure(namespace, name string) {
	c.ValidationFailures.WithLabelValues(namespace, name).Inc()
}

// RecordBroadcast increments the broadcast counter for a namespace
func (c *Metrics) RecordBroadcast(namespace string) {
	c.MessagesBroadcast.WithLabelValues(namespace).Inc()
}

// RecordNATSStatus updates NATS connection metrics
func (c *Metrics) RecordNATSStatus(connected bool, rttMillis float64) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
	c.NATSRTT.Set(rttMillis)
}
