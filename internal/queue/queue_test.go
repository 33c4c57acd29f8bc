package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	b, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestEnqueueDequeueAck_RoundTrip(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	taskID := uuid.New()

	if err := b.Enqueue(ctx, KeyManualReview, taskID, PriorityNormal); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	depth, err := b.Depth(KeyManualReview)
	if err != nil {
		t.Fatal(err)
	}
	if depth != 1 {
		t.Fatalf("depth = %d, want 1", depth)
	}

	item, err := b.Dequeue(ctx, KeyManualReview, "worker-1", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if item == nil || item.TaskID != taskID {
		t.Fatalf("Dequeue returned %+v, want task %s", item, taskID)
	}

	depth, _ = b.Depth(KeyManualReview)
	if depth != 0 {
		t.Fatalf("depth after dequeue = %d, want 0 (item now inflight)", depth)
	}

	if err := b.Ack(KeyManualReview, taskID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestDequeue_TimesOutOnEmptyQueue(t *testing.T) {
	b := newTestBroker(t)
	item, err := b.Dequeue(context.Background(), KeyManualReview, "worker-1", time.Minute, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil item on timeout, got %+v", item)
	}
}

func TestEnqueue_IsIdempotentOnSameTaskAndQueue(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	taskID := uuid.New()

	if err := b.Enqueue(ctx, KeyPriority, taskID, PriorityHigh); err != nil {
		t.Fatal(err)
	}
	if err := b.Enqueue(ctx, KeyPriority, taskID, PriorityHigh); err != nil {
		t.Fatal(err)
	}

	depth, err := b.Depth(KeyPriority)
	if err != nil {
		t.Fatal(err)
	}
	if depth != 1 {
		t.Fatalf("depth = %d, want 1 (idempotent enqueue)", depth)
	}
}

func TestDequeue_DrainsHigherPriorityFirst(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	low := uuid.New()
	high := uuid.New()

	if err := b.Enqueue(ctx, KeyBatchCompletion, low, PriorityLow); err != nil {
		t.Fatal(err)
	}
	if err := b.Enqueue(ctx, KeyBatchCompletion, high, PriorityHigh); err != nil {
		t.Fatal(err)
	}

	item, err := b.Dequeue(ctx, KeyBatchCompletion, "worker-1", time.Minute, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if item.TaskID != high {
		t.Fatalf("expected high-priority task dequeued first, got %s", item.TaskID)
	}
}

func TestReclaimExpiredInflight_RequeuesAtHead(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	first := uuid.New()
	second := uuid.New()

	if err := b.Enqueue(ctx, KeyManualReview, first, PriorityNormal); err != nil {
		t.Fatal(err)
	}
	// Lease with an already-expired deadline to simulate a stalled worker.
	item, err := b.Dequeue(ctx, KeyManualReview, "worker-1", -time.Second, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if item == nil || item.TaskID != first {
		t.Fatalf("expected to lease %s, got %+v", first, item)
	}

	n, err := b.ReclaimExpiredInflight()
	if err != nil {
		t.Fatalf("ReclaimExpiredInflight: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d, want 1", n)
	}

	if err := b.Enqueue(ctx, KeyManualReview, second, PriorityNormal); err != nil {
		t.Fatal(err)
	}

	next, err := b.Dequeue(ctx, KeyManualReview, "worker-2", time.Minute, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if next.TaskID != first {
		t.Fatalf("expected reclaimed task %s at head, got %s", first, next.TaskID)
	}
}

func TestDepthLimit_BlocksProducerUntilSpaceFrees(t *testing.T) {
	b := newTestBroker(t)
	b.maxDepth[KeyPriority] = 1
	ctx := context.Background()

	first := uuid.New()
	if err := b.Enqueue(ctx, KeyPriority, first, PriorityNormal); err != nil {
		t.Fatal(err)
	}

	second := uuid.New()
	blocked := make(chan error, 1)
	go func() {
		blocked <- b.Enqueue(ctx, KeyPriority, second, PriorityNormal)
	}()

	select {
	case <-blocked:
		t.Fatal("Enqueue should have blocked while the queue is at capacity")
	case <-time.After(100 * time.Millisecond):
	}

	item, err := b.Dequeue(ctx, KeyPriority, "worker-1", time.Minute, time.Second)
	if err != nil || item == nil {
		t.Fatalf("Dequeue: %v, %+v", err, item)
	}
	if err := b.Ack(KeyPriority, item.TaskID); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-blocked:
		if err != nil {
			t.Fatalf("blocked Enqueue returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Enqueue did not unblock after Ack freed a slot")
	}
}
