package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/visionforge/visionforge/internal/registryclient"
	"github.com/visionforge/visionforge/internal/store"
)

// buildReport assembles the process-level final report (spec §6
// `PUT /projects/{projectId}/reports`) from the process's own counters
// and its tasks' analysis types.
func (o *Orchestrator) buildReport(ctx context.Context, process *store.Process) (registryclient.Report, error) {
	tasks, err := o.Store.ListTasksByProcess(ctx, process.ID)
	if err != nil {
		return registryclient.Report{}, fmt.Errorf("orchestrator: list tasks for report: %w", err)
	}

	mediaSeen := make(map[string]struct{}, len(tasks))
	typesSeen := make(map[string]struct{})
	for _, t := range tasks {
		mediaSeen[t.MediaID] = struct{}{}
		if t.Status == store.TaskCompleted {
			typesSeen[string(t.AnalysisType)] = struct{}{}
		}
	}
	analysisTypes := make([]string, 0, len(typesSeen))
	for t := range typesSeen {
		analysisTypes = append(analysisTypes, t)
	}

	var successRate float64
	if process.TotalTasks > 0 {
		successRate = float64(process.CompletedTasks) / float64(process.TotalTasks)
	}

	o.mu.Lock()
	startedAt, ok := o.started[process.ID]
	o.mu.Unlock()
	var processingMinutes float64
	if ok {
		processingMinutes = time.Since(startedAt).Minutes()
	}

	keyFindings := []string{
		fmt.Sprintf("%d of %d tasks completed", process.CompletedTasks, process.TotalTasks),
	}
	if process.ManualReviewTasks > 0 {
		keyFindings = append(keyFindings, fmt.Sprintf("%d tasks require manual review", process.ManualReviewTasks))
	}
	if process.FailedTasks > 0 {
		keyFindings = append(keyFindings, fmt.Sprintf("%d tasks failed", process.FailedTasks))
	}

	return registryclient.Report{
		Type: "quality_analysis",
		Report: registryclient.ReportBody{
			Summary: fmt.Sprintf("process %s: %d/%d tasks completed (%.1f%% success)",
				process.ID, process.CompletedTasks, process.TotalTasks, successRate*100),
			Details: registryclient.ReportDetails{
				TotalMediaProcessed:    len(mediaSeen),
				TotalAnalysesCompleted: process.CompletedTasks,
				ProcessingTimeMinutes:  processingMinutes,
				SuccessRate:            successRate,
				AnalysisTypesCompleted: analysisTypes,
				KeyFindings:            keyFindings,
			},
		},
	}, nil
}
