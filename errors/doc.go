// Package errors provides standardized error handling patterns for Replicant
// components.
//
// # Error Classification
//
// The package implements a three-class error classification system:
//
//   - Transient: network timeouts, storage unavailability, connection loss
//     (retry recommended)
//   - Invalid: schema validation failures, malformed keys, bad configuration
//     input (do not retry, report to the caller)
//   - Fatal: missing configuration, uninitialized store access (stop
//     processing, loud failure)
//
// Classification integrates with Go's standard error handling: errors.Is(),
// errors.As(), and wrapping chains all preserve the class.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions provide classification-aware wrapping:
//
//	errors.WrapTransient(err, "Store", "Set", "persist value")
//	errors.WrapInvalid(err, "Store", "Set", "schema validation")
//	errors.WrapFatal(err, "Store", "Get", "store not initialized")
//
// The generic Wrap() preserves the original error's classification.
//
// # Domain Errors
//
// Replicant-specific conditions have standard variables so handlers can
// branch without string matching: ErrValidationFailed, ErrNoDefaultValue,
// ErrKeyNotFound, ErrPersistenceFailed, ErrNotInitialized. Validation and
// not-found errors are safe to return to network clients verbatim;
// persistence errors are logged with detail server-side and surfaced as a
// generic failure.
//
// # Retry Integration
//
// RetryConfig bridges error classification to the pkg/retry framework:
//
//	cfg := errors.DefaultRetryConfig()
//	retry.Do(ctx, cfg.ToRetryConfig(), op)
package errors
