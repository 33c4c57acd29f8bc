package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/visionforge/visionforge/internal/imageprovider"
	"github.com/visionforge/visionforge/internal/queue"
	"github.com/visionforge/visionforge/internal/store"
)

// TaskLeaser narrows *store.Store to the two CAS operations a Worker
// drives directly plus the cancel-flag read, so tests exercise the lease/run/transition sequence
// against a fake store rather than a live Postgres connection.
type TaskLeaser interface {
	LeaseTask(ctx context.Context, taskID uuid.UUID, workerID string, leaseTTL time.Duration) (*store.Task, error)
	TransitionTask(ctx context.Context, taskID uuid.UUID, from, to store.TaskStatus, fields store.TaskTransitionFields, correlationID string) (bool, error)
	CancelRequested(ctx context.Context, processID uuid.UUID) (bool, error)
}

// QueueSource narrows *queue.Broker to the dequeue/ack pair a Worker
// needs to drain and acknowledge a lease.
type QueueSource interface {
	Dequeue(ctx context.Context, queueKey, workerID string, leaseDuration, waitFor time.Duration) (*queue.LeasedItem, error)
	Ack(queueKey string, taskID uuid.UUID) error
}

// ImageFetcher narrows *imageprovider.Provider to the single fetch a
// Worker needs.
type ImageFetcher interface {
	Fetch(ctx context.Context, m imageprovider.Media) ([]byte, error)
}
