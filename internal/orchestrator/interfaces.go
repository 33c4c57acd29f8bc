package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/visionforge/visionforge/internal/queue"
	"github.com/visionforge/visionforge/internal/registryclient"
	"github.com/visionforge/visionforge/internal/store"
)

// RegistryClient narrows *registryclient.Client to the four calls the
// orchestrator drives, so tests substitute a fake registry rather than a
// live HTTP endpoint.
type RegistryClient interface {
	NextJob(ctx context.Context) (*registryclient.Job, error)
	SetProjectStatus(ctx context.Context, projectID string, status registryclient.ProjectStatus) error
	SubmitAnalysis(ctx context.Context, projectID, mediaID, analysisID string, sub registryclient.AnalysisSubmission) error
	SubmitReport(ctx context.Context, projectID string, report registryclient.Report) error
}

// ProcessStore narrows *store.Store to the process/task lifecycle
// operations the orchestrator drives.
type ProcessStore interface {
	CreateProcess(ctx context.Context, ext store.ExternalIDs, configGeneration uint64, configSnapshot []byte) (*store.Process, error)
	CreateTasks(ctx context.Context, processID uuid.UUID, tasks []store.NewTask) ([]store.Task, error)
	UpdateProcessCounters(ctx context.Context, processID uuid.UUID, deltas store.ProcessCounterDeltas) error
	MarkStatusSubmitted(ctx context.Context, processID uuid.UUID, status store.ProcessStatus) (bool, error)
	MarkSubmitted(ctx context.Context, taskID uuid.UUID) error
	CompleteProcess(ctx context.Context, processID uuid.UUID) error
	ListTasksByProcess(ctx context.Context, processID uuid.UUID) ([]store.Task, error)
	GetProcess(ctx context.Context, processID uuid.UUID) (*store.Process, error)
	EmitAudit(ctx context.Context, processID uuid.UUID, taskID *uuid.UUID, kind string, payload any, correlationID string) error
}

// QueueEnqueuer narrows *queue.Broker to the single call expand_and_enqueue
// needs.
type QueueEnqueuer interface {
	Enqueue(ctx context.Context, queueKey string, taskID uuid.UUID, priority queue.Priority) error
}
