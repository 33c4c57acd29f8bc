// Package breaker wraps outbound HTTP clients (registry, vision model) in
// a transport-level circuit breaker. This is distinct from the
// process-level, failure-rate circuit breaker in internal/orchestrator,
// which halts new task enqueues for one process (spec §4.E); this
// package protects every call a single HTTP client makes, regardless of
// which process a task belongs to.
package breaker

import (
	"context"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/sony/gobreaker"
)

// Config controls one breaker's trip thresholds.
type Config struct {
	Name                string
	MaxRequestsHalfOpen uint32
	OpenTimeout         time.Duration
	ConsecutiveFailures uint32
}

// DefaultConfig returns sane defaults for an external HTTP collaborator.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxRequestsHalfOpen: 1,
		OpenTimeout:         30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Breaker wraps a single gobreaker.CircuitBreaker.
type Breaker struct {
	cb  *gobreaker.CircuitBreaker
	log logr.Logger
}

// New constructs a Breaker that trips after cfg.ConsecutiveFailures
// consecutive failures and stays open for cfg.OpenTimeout before probing
// with cfg.MaxRequestsHalfOpen requests.
func New(cfg Config, log logr.Logger) *Breaker {
	log = log.WithName("breaker").WithValues("breaker", cfg.Name)
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequestsHalfOpen,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("circuit breaker state changed", "from", from, "to", to)
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings), log: log}
}

// Do executes fn through the breaker. If the breaker is open, fn is not
// called and gobreaker.ErrOpenState is returned.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// RoundTripper wraps an http.RoundTripper so every request passes through
// the breaker; 5xx responses count as failures, everything else
// (including 4xx, which is a client-side error, not a transport failure)
// counts as success from the breaker's point of view.
type RoundTripper struct {
	Next    http.RoundTripper
	Breaker *Breaker
}

func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := rt.Breaker.Do(req.Context(), func(ctx context.Context) error {
		r, err := rt.Next.RoundTrip(req)
		if err != nil {
			return err
		}
		if r.StatusCode >= 500 {
			resp = r
			return errServerError
		}
		resp = r
		return nil
	})
	if err == errServerError {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

var errServerError = &serverError{}

type serverError struct{}

func (*serverError) Error() string { return "breaker: server error response" }
