package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	cfg := Config{Name: "test", MaxRequestsHalfOpen: 1, OpenTimeout: 50 * time.Millisecond, ConsecutiveFailures: 2}
	b := New(cfg, logr.Discard())

	boom := errors.New("boom")
	fail := func(ctx context.Context) error { return boom }

	if err := b.Do(context.Background(), fail); err != boom {
		t.Fatalf("call 1: %v", err)
	}
	if err := b.Do(context.Background(), fail); err != boom {
		t.Fatalf("call 2: %v", err)
	}

	err := b.Do(context.Background(), func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected breaker to be open and reject the third call")
	}
}

func TestBreaker_ClosesAfterSuccessInHalfOpen(t *testing.T) {
	cfg := Config{Name: "test2", MaxRequestsHalfOpen: 1, OpenTimeout: 10 * time.Millisecond, ConsecutiveFailures: 1}
	b := New(cfg, logr.Discard())

	boom := errors.New("boom")
	if err := b.Do(context.Background(), func(ctx context.Context) error { return boom }); err != boom {
		t.Fatalf("priming failure: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if err := b.Do(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("half-open probe should have been allowed through: %v", err)
	}
	if err := b.Do(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("breaker should be closed again: %v", err)
	}
}
