package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// errCondTimeout is a sentinel returned by condWaitTimeoutCtx when the
// wait's deadline elapses rather than the condition being signalled.
var errCondTimeout = errors.New("queue: wait timeout")

// condWaitCtx calls cond.Wait() (which must be called with cond.L held),
// but also returns ctx.Err() if ctx is cancelled while waiting. bbolt has
// no native blocking primitive, so the broker uses a sync.Cond broadcast
// by Ack/ReclaimExpiredInflight to wake blocked producers, mirroring the
// teacher's single-writer, ACID-transaction discipline rather than
// introducing a second store.
func condWaitCtx(ctx context.Context, cond *sync.Cond) error {
	return condWaitTimeoutCtx(ctx, cond, 0)
}

// condWaitTimeoutCtx waits on cond (with cond.L held by the caller) until
// it is signalled, ctx is cancelled, or timeout elapses (timeout <= 0
// means no timeout). It returns errCondTimeout on timeout expiry so
// callers can distinguish "nothing arrived" from "caller gave up".
func condWaitTimeoutCtx(ctx context.Context, cond *sync.Cond, timeout time.Duration) error {
	done := make(chan struct{})
	var timedOut bool

	stop := make(chan struct{})
	go func() {
		var timer *time.Timer
		var timerC <-chan time.Time
		if timeout > 0 {
			timer = time.NewTimer(timeout)
			timerC = timer.C
			defer timer.Stop()
		}
		select {
		case <-ctx.Done():
			cond.L.Lock()
			cond.Broadcast()
			cond.L.Unlock()
		case <-timerC:
			cond.L.Lock()
			timedOut = true
			cond.Broadcast()
			cond.L.Unlock()
		case <-stop:
		}
	}()

	cond.Wait()
	close(stop)
	close(done)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if timedOut {
		return errCondTimeout
	}
	return nil
}
