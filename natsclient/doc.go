// Package natsclient manages the NATS connection used by the replicant
// service, with a circuit breaker around connection establishment and a
// high-level JetStream KV wrapper (KVStore) providing CAS operations.
//
// The KVStore is the atomicity primitive behind replicant revision
// assignment: UpdateWithRetry re-reads the current entry and retries on
// compare-and-set conflicts, so two writers racing on the same key can never
// both observe and reuse the same prior revision.
package natsclient
