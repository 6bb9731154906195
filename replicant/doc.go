// Package replicant implements the replicant store: namespaced, versioned,
// schema-validatable shared state. Every accepted write is validated, then
// committed through the persistence gateway with an atomic revision
// increment, recorded in append-only history, cached, and announced to
// in-process observers in commit order. Rejected writes never reach
// storage or observers.
package replicant
