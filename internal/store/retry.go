package store

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
)

// Connection-level retry budget (spec §4.B: "network/DB errors are
// retried with exponential backoff up to a bounded budget, then
// surfaced"): base 200ms, factor 2, 5 attempts total.
const (
	connRetryBase     = 200 * time.Millisecond
	connRetryAttempts = 5
)

// transientClasses are the SQLSTATE class prefixes classified as
// connection-level failures worth retrying: 08 (connection exception),
// 53 (insufficient resources), 57 (operator intervention, e.g. an
// admin-initiated shutdown during failover).
var transientClasses = []string{"08", "53", "57"}

// isTransient reports whether err is a connection-level failure. A
// constraint violation, CAS mismatch, or any store sentinel is not:
// those surface immediately.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		for _, class := range transientClasses {
			if strings.HasPrefix(pgErr.Code, class) {
				return true
			}
		}
		return false
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// withRetry runs fn under the store's bounded connection-level backoff.
// fn may run up to connRetryAttempts times: callers must reset any state
// fn accumulates at the top of fn, not outside it.
func (s *Store) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	base := retry.NewExponential(connRetryBase)
	backoff := retry.WithMaxRetries(connRetryAttempts-1, base)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			if isTransient(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
}
