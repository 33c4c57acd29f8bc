package store

import "github.com/go-faster/errors"

// Sentinel error kinds returned by Store methods. Callers use errors.Is
// against these, not string matching, following the teacher's convention
// of a small fixed error-kind vocabulary rather than per-call error types.
var (
	// ErrNotFound is returned when a lookup by id finds no row.
	ErrNotFound = errors.New("store: not found")

	// ErrCASMismatch is returned by LeaseTask when the row's current
	// status is not pending, and by RenewLease and ReleaseLease when the
	// caller no longer holds the lease. TransitionTask reports a status
	// mismatch as (false, nil) instead.
	ErrCASMismatch = errors.New("store: compare-and-swap mismatch")

	// ErrQAAttemptLimitReached is returned by RecordQAAttempt if the
	// caller attempts to insert a 4th attempt for a (task, tier) pair
	// (spec §3 invariant 4: capped at 3).
	ErrQAAttemptLimitReached = errors.New("store: qa attempt limit reached for tier")

	// ErrDuplicateSubmission is returned by MarkSubmitted when a task's
	// result has already been submitted to the registry (spec §8:
	// "Result submission is idempotent per task").
	ErrDuplicateSubmission = errors.New("store: result already submitted")
)

// wrapf is a small helper matching the teacher's "<op>: %w" wrapping
// convention, built on go-faster/errors so every store error composes
// with errors.Is/As the same way the rest of the codebase does.
func wrapf(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, op)
}
