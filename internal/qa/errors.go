package qa

import "github.com/go-faster/errors"

// ErrManualReview signals that a task exhausted its corrective attempts
// for a tier and must be routed to manual_review.
var ErrManualReview = errors.New("qa: corrective attempts exhausted, routed to manual review")

// Sentinel error kinds closing out the taxonomy in spec.md §7, shared
// across internal/qa and internal/store (store/errors.go carries the
// store-specific members: ErrNotFound, ErrCASMismatch, ...).
var (
	// ErrTransient marks a model/network failure the caller should retry
	// with backoff (spec §7 kind 2).
	ErrTransient = errors.New("qa: transient error")

	// ErrValidation marks a non-retryable content/schema defect: routed
	// to corrective processing, never retried verbatim (spec §7 kind 3).
	ErrValidation = errors.New("qa: validation error")

	// ErrConfiguration marks a profile that failed to load or validate
	// (spec §7 kind 1); fatal at startup, non-fatal (reload-scoped)
	// thereafter.
	ErrConfiguration = errors.New("qa: configuration error")

	// ErrCircuitOpen marks a call rejected by the process-level
	// failure-rate circuit breaker (spec §7 kind 5), distinct from the
	// transport-level breaker in internal/breaker.
	ErrCircuitOpen = errors.New("qa: circuit breaker open")

	// ErrLeaseExpired marks a task whose lease the reaper reclaimed out
	// from under the caller mid-step (spec §7 kind 6).
	ErrLeaseExpired = errors.New("qa: lease expired")
)

// ErrSchemaViolation describes an output that does not match its
// profile's declared schema. No code in this module returns it; T1
// reports schema failures through its Outcome instead.
type ErrSchemaViolation struct {
	Reasons []string
}

func (e *ErrSchemaViolation) Error() string {
	if len(e.Reasons) == 0 {
		return "qa: schema violation"
	}
	return "qa: schema violation: " + e.Reasons[0]
}
