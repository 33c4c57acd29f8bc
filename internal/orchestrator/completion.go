package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/visionforge/visionforge/internal/notify"
	"github.com/visionforge/visionforge/internal/registryclient"
	"github.com/visionforge/visionforge/internal/store"
)

// OnTaskStarted implements worker.CompletionHandler. It fires the
// one-time "processing" status update the first time any task in a
// process transitions to running (spec §4.F: "one 'processing' status
// update is submitted when the first task transitions to running").
func (o *Orchestrator) OnTaskStarted(ctx context.Context, task *store.Task) {
	applied, err := o.Store.MarkStatusSubmitted(ctx, task.ProcessID, store.ProcessProcessing)
	if err != nil {
		o.log.Error(err, "mark processing status failed", "process", task.ProcessID)
		return
	}
	if !applied {
		return
	}

	projectID, err := o.Jobs.ProjectID(task.ProcessID)
	if err != nil {
		o.log.Error(err, "resolve project id failed", "process", task.ProcessID)
		return
	}
	err = retryableSubmit(ctx, func(ctx context.Context) error {
		return o.Registry.SetProjectStatus(ctx, projectID, registryclient.ProjectStatus{Status: "processing"})
	})
	if err != nil {
		o.log.Error(err, "submit processing status failed", "process", task.ProcessID)
	}
}

// OnTaskCompleted implements worker.CompletionHandler. It submits the
// task's result to the registry (completed tasks only — the registry's
// AnalysisSubmission contract has no "failed"/"manual_review" status,
// spec §6), updates the process's counters, records the outcome against
// the process's circuit breaker, and closes the process once every task
// is terminal (spec §4.F: "on_task_completed", "on_process_complete").
func (o *Orchestrator) OnTaskCompleted(ctx context.Context, task *store.Task) {
	if task.Status == store.TaskCompleted {
		if err := o.submitAnalysisResult(ctx, task); err != nil {
			o.log.Error(err, "submit analysis result failed", "task", task.ID)
		}
	}

	deltas := store.ProcessCounterDeltas{}
	switch task.Status {
	case store.TaskCompleted:
		deltas.Completed = 1
	case store.TaskFailed:
		deltas.Failed = 1
	case store.TaskManualReview:
		deltas.ManualReview = 1
	}
	if err := o.Store.UpdateProcessCounters(ctx, task.ProcessID, deltas); err != nil {
		o.log.Error(err, "update process counters failed", "process", task.ProcessID)
	}

	if breaker := o.breakerFor(task.ProcessID); breaker != nil {
		if breaker.Record(task.Status == store.TaskFailed) {
			o.log.Info("circuit breaker tripped", "process", task.ProcessID)
			o.Metrics.CircuitBreakerTripsTotal.Inc()
			if err := o.Store.EmitAudit(ctx, task.ProcessID, nil, store.AuditKindCircuitBreakerTripped,
				map[string]any{"threshold": o.CircuitBreakerThreshold, "window": o.CircuitBreakerWindow}, ""); err != nil {
				o.log.Error(err, "emit circuit breaker audit failed", "process", task.ProcessID)
			}
		}
	}

	process, err := o.Store.GetProcess(ctx, task.ProcessID)
	if err != nil {
		o.log.Error(err, "reload process failed", "process", task.ProcessID)
		return
	}
	if process.Done() && process.Status != store.ProcessCompleted {
		o.onProcessComplete(ctx, process)
	}
}

// submitAnalysisResult submits one completed task's result to the
// registry, guarded by the State Store's per-task submission flag so a
// worker retry or a reclaimed-and-resubmitted task never double-submits
// (spec §4.F/§8: "duplicate submission attempts on the same task are
// suppressed").
func (o *Orchestrator) submitAnalysisResult(ctx context.Context, task *store.Task) error {
	if err := o.Store.MarkSubmitted(ctx, task.ID); err != nil {
		if err == store.ErrDuplicateSubmission {
			return nil
		}
		return fmt.Errorf("mark submitted: %w", err)
	}

	projectID, err := o.Jobs.ProjectID(task.ProcessID)
	if err != nil {
		return err
	}
	media, err := o.Jobs.Media(task.ProcessID, task.MediaID)
	if err != nil {
		return err
	}
	analysis, err := o.Jobs.Analysis(task.ProcessID, string(task.AnalysisType))
	if err != nil {
		return err
	}

	sub := registryclient.AnalysisSubmission{
		ModelUsed:        task.ModelUsed,
		SystemPromptUsed: task.SystemPromptUsed,
		UserPromptUsed:   task.UserPromptUsed,
		Status:           "completed",
		// AnalysisResult must marshal as the raw JSON document, not as a
		// base64 string (the default encoding/json behavior for []byte).
		AnalysisResult: json.RawMessage(task.RawOutput),
	}

	err = retryableSubmit(ctx, func(ctx context.Context) error {
		return o.Registry.SubmitAnalysis(ctx, projectID, media.ID, analysis.ID, sub)
	})
	if err != nil {
		if err := o.Store.EmitAudit(ctx, task.ProcessID, &task.ID, store.AuditKindResultSubmitFailed,
			map[string]any{"error": err.Error()}, ""); err != nil {
			o.log.Error(err, "emit submit-failed audit failed", "task", task.ID)
		}
		return fmt.Errorf("submit analysis: %w", err)
	}
	return o.Store.EmitAudit(ctx, task.ProcessID, &task.ID, store.AuditKindResultSubmitted, nil, "")
}

// onProcessComplete is spec §4.F's on_process_complete: submit the
// final report, update registry status to completed, and close the
// Process. Gated by MarkStatusSubmitted so the ordering guarantee ("one
// 'completed' status update after all tasks are terminal and before the
// final report") holds even if two OnTaskCompleted calls race to
// observe Done() simultaneously.
func (o *Orchestrator) onProcessComplete(ctx context.Context, process *store.Process) {
	applied, err := o.Store.MarkStatusSubmitted(ctx, process.ID, store.ProcessCompleted)
	if err != nil {
		o.log.Error(err, "mark completed status failed", "process", process.ID)
		return
	}
	if !applied {
		return
	}

	err = retryableSubmit(ctx, func(ctx context.Context) error {
		return o.Registry.SetProjectStatus(ctx, process.ProjectID, registryclient.ProjectStatus{Status: "completed"})
	})
	if err != nil {
		o.log.Error(err, "submit completed status failed", "process", process.ID)
	}

	report, err := o.buildReport(ctx, process)
	if err != nil {
		o.log.Error(err, "build report failed", "process", process.ID)
	} else {
		err = retryableSubmit(ctx, func(ctx context.Context) error {
			return o.Registry.SubmitReport(ctx, process.ProjectID, report)
		})
		if err != nil {
			o.log.Error(err, "submit report failed", "process", process.ID)
		}
		if o.Notify != nil {
			o.Notify.Notify(ctx, notify.Event{
				Kind:      notify.KindBatchReport,
				ProcessID: process.ID.String(),
				Title:     "process completed",
				Body:      fmt.Sprintf("process %s finished: %d completed, %d failed, %d manual_review", process.ID, process.CompletedTasks, process.FailedTasks, process.ManualReviewTasks),
			})
		}
	}

	if err := o.Store.CompleteProcess(ctx, process.ID); err != nil {
		o.log.Error(err, "complete process failed", "process", process.ID)
		return
	}
	o.Metrics.ProcessesCompletedTotal.Inc()

	o.Jobs.Forget(process.ID)
	o.mu.Lock()
	delete(o.breakers, process.ID)
	delete(o.started, process.ID)
	o.mu.Unlock()
}
