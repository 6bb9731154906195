// Package storage defines the persistence gateway contract for replicants:
// durable records with atomic revision assignment, append-only history, and
// namespace-scoped listings. Two implementations ship with the platform:
// natskv persists to NATS JetStream key-value buckets, memstore keeps
// everything in process memory for tests and ephemeral deployments.
package storage
