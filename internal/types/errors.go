package types

import "errors"

// Error taxonomy surfaced to callers. Core operations return these (usually
// wrapped with context via fmt.Errorf and %w); panics are reserved for
// invariant violations that indicate a bug.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidState       = errors.New("invalid state")
	ErrRoutingError       = errors.New("routing error")
	ErrClaimConflict      = errors.New("claim conflict")
	ErrNotReady           = errors.New("not ready")
	ErrCapabilityMismatch = errors.New("capability mismatch")
	ErrCostCapExceeded    = errors.New("cost cap exceeded")
	ErrRetriesExhausted   = errors.New("retries exhausted")
	ErrStorage            = errors.New("storage error")
	ErrCancelled          = errors.New("cancelled")
	ErrDeadlineExceeded   = errors.New("deadline exceeded")
	ErrSchemaMismatch     = errors.New("schema mismatch")
)

// Retryable reports whether an error maps to a retryable failure under the
// propagation policy: transient storage faults, deadline hits, and claim
// contention may be retried; validation and routing errors never are.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrStorage),
		errors.Is(err, ErrDeadlineExceeded),
		errors.Is(err, ErrClaimConflict):
		return true
	default:
		return false
	}
}
