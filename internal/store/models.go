package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/visionforge/visionforge/internal/profiles"
)

// ProcessStatus is a Process's lifecycle state (spec §3).
type ProcessStatus string

const (
	ProcessInitializing ProcessStatus = "initializing"
	ProcessProcessing   ProcessStatus = "processing"
	ProcessCompleted    ProcessStatus = "completed"
	ProcessFailed       ProcessStatus = "failed"
)

// TaskStatus is a Task's lifecycle state. completed, failed, and
// manual_review are absorbing (spec §3 invariant 2).
type TaskStatus string

const (
	TaskPending       TaskStatus = "pending"
	TaskRunning       TaskStatus = "running"
	TaskAwaitingQA    TaskStatus = "awaiting_qa"
	TaskCompleted     TaskStatus = "completed"
	TaskFailed        TaskStatus = "failed"
	TaskManualReview  TaskStatus = "manual_review"
)

// IsTerminal reports whether s is one of the absorbing task states.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskManualReview:
		return true
	default:
		return false
	}
}

// QAOutcome is the result of one QAAttempt.
type QAOutcome string

const (
	QAPass QAOutcome = "pass"
	QAFail QAOutcome = "fail"
)

// ExternalIDs identifies the client and project a Process was acquired for
// (spec §6 registry job shape).
type ExternalIDs struct {
	ClientID    string `db:"client_id"`
	ClientSlug  string `db:"client_slug"`
	ClientName  string `db:"client_name"`
	ProjectID   string `db:"project_id"`
	ProjectSlug string `db:"project_slug"`
	ProjectName string `db:"project_name"`
}

// Process is one run of one acquired external job (spec §3).
type Process struct {
	ID uuid.UUID `db:"id"`
	ExternalIDs
	Status            ProcessStatus `db:"status"`
	TotalTasks        int           `db:"total_tasks"`
	CompletedTasks    int           `db:"completed_tasks"`
	FailedTasks       int           `db:"failed_tasks"`
	ManualReviewTasks int           `db:"manual_review_tasks"`

	ConfigGeneration uint64 `db:"config_generation"`
	ConfigSnapshot   []byte `db:"config_snapshot"` // JSON-encoded (type,version) map frozen at acquisition

	RegistryStatusSubmitted string `db:"registry_status_submitted"` // last "status" value PUT to the registry; dedupe guard

	// CancelRequested is the cooperative cancel flag: workers consult it
	// between a finished model call and the next step, and stop there.
	CancelRequested bool `db:"cancel_requested"`

	CreatedAt   time.Time  `db:"created_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

// Done reports whether counters account for every task (spec §8
// invariant: completed+failed+manual_review == total implies terminal).
func (p *Process) Done() bool {
	return p.CompletedTasks+p.FailedTasks+p.ManualReviewTasks >= p.TotalTasks
}

// NewTask is the input shape for CreateTasks, before a Task is assigned
// server-side defaults (status, timestamps).
type NewTask struct {
	ID             uuid.UUID
	ProcessID      uuid.UUID
	MediaID        string
	AnalysisType   profiles.AnalysisType
	ProfileVersion int
	QueueKey       string
}

// TierCounts is a jsonb-backed map of per-tier QA attempt counts; it
// implements driver.Valuer/sql.Scanner so sqlx can read/write it directly
// as the tasks.qa_attempts_by_tier column.
type TierCounts map[profiles.Tier]int

func (t TierCounts) Value() (driver.Value, error) {
	return json.Marshal(t)
}

func (t *TierCounts) Scan(src any) error {
	if src == nil {
		*t = TierCounts{}
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("store: TierCounts.Scan: unsupported type %T", src)
	}
	return json.Unmarshal(b, t)
}

// Task is one (media, analysis type) pair within a Process (spec §3).
type Task struct {
	ID             uuid.UUID             `db:"id"`
	ProcessID      uuid.UUID             `db:"process_id"`
	MediaID        string                `db:"media_id"`
	AnalysisType   profiles.AnalysisType `db:"analysis_type"`
	ProfileVersion int                   `db:"profile_version"`
	QueueKey       string                `db:"queue_key"`
	Status         TaskStatus            `db:"status"`

	QAAttemptsByTier TierCounts `db:"qa_attempts_by_tier"`

	Confidence    float64 `db:"confidence"`
	LastError     string  `db:"last_error"`
	RawOutputPath string  `db:"raw_output_path"`
	RawOutput     []byte  `db:"raw_output"` // JSON-encoded structured output, replaced on each corrective pass

	// ModelUsed/SystemPromptUsed/UserPromptUsed are stamped by the
	// Analysis Worker at render time and carried through to the registry
	// submission body (spec §6 AnalysisSubmission shape).
	ModelUsed        string `db:"model_used"`
	SystemPromptUsed string `db:"system_prompt_used"`
	UserPromptUsed   string `db:"user_prompt_used"`

	LeaseWorkerID string     `db:"lease_worker_id"`
	LeaseDeadline *time.Time `db:"lease_deadline"`

	SubmittedToRegistry bool `db:"submitted_to_registry"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// QAAttempt is one execution of one QA tier against one Task (spec §3);
// append-only, never mutated after insert.
type QAAttempt struct {
	ID                       uuid.UUID      `db:"id"`
	TaskID                   uuid.UUID      `db:"task_id"`
	Tier                     profiles.Tier  `db:"tier"`
	AttemptIndex             int            `db:"attempt_index"`
	Outcome                  QAOutcome      `db:"outcome"`
	FailureCategories        []string       `db:"failure_categories"`
	CorrectiveProfileVersion *int           `db:"corrective_profile_version"`
	AgentConfidence          float64        `db:"agent_confidence"`
	Duration                 time.Duration  `db:"-"`
	CreatedAt                time.Time      `db:"created_at"`
}

// AuditEvent is an append-only record of one state transition (spec §3).
type AuditEvent struct {
	ID            uuid.UUID  `db:"id"`
	ProcessID     uuid.UUID  `db:"process_id"`
	TaskID        *uuid.UUID `db:"task_id"`
	Sequence      int64      `db:"sequence"`
	Kind          string     `db:"kind"`
	Payload       []byte     `db:"payload"` // JSON
	CorrelationID string     `db:"correlation_id"`
	CreatedAt     time.Time  `db:"created_at"`
}

// Audit event kinds emitted by the store and its callers.
const (
	AuditKindProcessCreated       = "process.created"
	AuditKindProcessStatusChanged = "process.status_changed"
	AuditKindProcessCompleted    = "process.completed"
	AuditKindTaskLeased          = "task.leased"
	AuditKindTaskReclaimed       = "task.reclaimed"
	AuditKindTaskTransitioned    = "task.transitioned"
	AuditKindQAAttemptRecorded   = "qa_attempt.recorded"
	AuditKindCircuitBreakerTripped = "circuit_breaker.tripped"
	AuditKindCancelRequested     = "process.cancel_requested"
	AuditKindTaskCancelled       = "task.cancelled"
	AuditKindResultSubmitted     = "result.submitted"
	AuditKindResultSubmitFailed  = "result.submit_failed"
)

// ProcessCounterDeltas is the input to UpdateProcessCounters: each field is
// added to the corresponding Process counter in a single atomic update.
type ProcessCounterDeltas struct {
	Completed     int
	Failed        int
	ManualReview  int
}

// TaskTransitionFields carries the fields a caller may set alongside a
// CAS status transition (e.g. last_error on a failure, raw_output on a
// corrective replacement).
type TaskTransitionFields struct {
	RawOutput     []byte
	RawOutputPath string
	LastError     string
	Confidence    *float64

	ModelUsed        string
	SystemPromptUsed string
	UserPromptUsed   string
}
