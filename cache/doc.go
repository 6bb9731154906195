// Package cache provides the read-path cache for replicant values. Three
// backends share one contract: Redis for multi-node deployments, Local for
// single-node and tests, and Failover which layers the two so a Redis
// outage degrades to the in-process cache without surfacing errors to
// callers.
//
// Statistics are always collected; Prometheus export is opt-in via
// WithMetrics.
package cache
