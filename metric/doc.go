// Package metric provides Prometheus metrics collection for the replicant
// platform. It maintains a central MetricsRegistry holding the core platform
// metrics (service status, store operations, broadcast fan-out, NATS health)
// and allows components to register their own metrics under a
// component-scoped key. An optional HTTP server exposes the registry in
// Prometheus exposition format.
package metric
