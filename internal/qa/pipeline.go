package qa

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/visionforge/visionforge/internal/metrics"
	"github.com/visionforge/visionforge/internal/profiles"
	"github.com/visionforge/visionforge/internal/qa/agent"
	"github.com/visionforge/visionforge/internal/store"
	"github.com/visionforge/visionforge/internal/telemetry"
)

// maxAttemptsPerTier is spec §4.E's hard ceiling ("at most 3 attempts").
// A profile's MaxAttempts may tighten it per type (fail faster), never
// raise it — see tierAttemptBudget.
const maxAttemptsPerTier = 3

// tierAttemptBudget resolves the per-tier attempt bound for one profile:
// the spec ceiling, clamped down by the profile's MaxAttempts when set.
func tierAttemptBudget(profile *profiles.AnalysisProfile) int {
	if profile.MaxAttempts > 0 && profile.MaxAttempts < maxAttemptsPerTier {
		return profile.MaxAttempts
	}
	return maxAttemptsPerTier
}

// correctiveTemperature is deliberately mid-range: low enough to stay
// close to the prior output's structure, high enough to actually vary
// the defect the corrective prompt targets.
const correctiveTemperature = 0.2

// defaultQACallDeadline is the QA model-call wall-clock deadline when a
// profile doesn't set qa_call_timeout_seconds (spec §5: "QA default 30s").
const defaultQACallDeadline = 30 * time.Second

// qaCallContext derives the deadline-bounded context every QA agent call
// (T2/T3 review and corrective regeneration) runs under.
func qaCallContext(ctx context.Context, profile *profiles.AnalysisProfile) (context.Context, context.CancelFunc) {
	d := defaultQACallDeadline
	if profile != nil && profile.QACallTimeoutSeconds > 0 {
		d = time.Duration(profile.QACallTimeoutSeconds) * time.Second
	}
	return context.WithTimeout(ctx, d)
}

// TaskStore is the subset of *store.Store the pipeline needs, narrowed
// to an interface so tests can substitute a fake rather than a real
// Postgres-backed Store.
type TaskStore interface {
	TransitionTask(ctx context.Context, taskID uuid.UUID, from, to store.TaskStatus, fields store.TaskTransitionFields, correlationID string) (bool, error)
	RecordQAAttempt(ctx context.Context, a store.QAAttempt) error
	CancelRequested(ctx context.Context, processID uuid.UUID) (bool, error)
}

// Pipeline sequences the three QA tiers for one task, running the
// bounded per-tier corrective loop and persisting every attempt and
// transition through a TaskStore (spec §4.E).
type Pipeline struct {
	validators map[profiles.Tier]Validator
	agent      *agent.Agent
	store      TaskStore
	log        logr.Logger
	metrics    *metrics.Metrics
}

// NewPipeline wires the three tier validators against a single QA-model
// agent (spec.md §6: "two models are used: one for analysis, one for
// QA/correction" — the same agent instance serves T2/T3 review calls
// and every tier's corrective regeneration).
func NewPipeline(a *agent.Agent, st TaskStore, log logr.Logger) *Pipeline {
	return &Pipeline{
		validators: map[profiles.Tier]Validator{
			profiles.TierStructural:     NewStructuralValidator(),
			profiles.TierContentQuality: NewContentQualityValidator(a),
			profiles.TierDomainExpert:   NewDomainExpertValidator(a),
		},
		agent:   a,
		store:   st,
		log:     log.WithName("qa"),
		metrics: metrics.Nop(),
	}
}

// WithMetrics attaches the process's instrumentation surface.
func (p *Pipeline) WithMetrics(m *metrics.Metrics) *Pipeline {
	p.metrics = m
	return p
}

// Result is what Run reports back to the worker once the task leaves
// the QA pipeline, either terminally (completed/manual_review) or via
// an error the worker's own retry budget should handle.
type Result struct {
	FinalStatus store.TaskStatus
	Output      []byte
}

// Run executes T1, then T2, then T3 in order, applying each tier's
// bounded corrective loop (spec §4.E's state machine). task must already
// be in awaiting_qa; task.RawOutput is the starting analysis output, img
// the original image bytes corrective and T3 prompts may reference.
func (p *Pipeline) Run(ctx context.Context, task *store.Task, set *profiles.ProfileSet, img []byte) (Result, error) {
	profile, ok := set.Analysis[task.AnalysisType]
	if !ok {
		return Result{}, fmt.Errorf("qa: no analysis profile for type %q", task.AnalysisType)
	}

	output := task.RawOutput
	for _, tier := range profiles.Tiers {
		// Cooperative cancellation point between tiers (spec §5): a tier's
		// agent calls are "the current model call"; stop before the next.
		if cancelled, cErr := p.store.CancelRequested(ctx, task.ProcessID); cErr == nil && cancelled {
			if _, err := p.store.TransitionTask(ctx, task.ID, store.TaskAwaitingQA, store.TaskFailed,
				store.TaskTransitionFields{RawOutput: output, LastError: "process cancelled"}, ""); err != nil {
				return Result{}, fmt.Errorf("qa: transition cancelled task: %w", err)
			}
			return Result{FinalStatus: store.TaskFailed, Output: output}, nil
		}

		validator, ok := p.validators[tier]
		if !ok {
			return Result{}, fmt.Errorf("qa: no validator registered for tier %q", tier)
		}
		corrective, ok := set.Corrective[task.AnalysisType][tier]
		if !ok {
			return Result{}, fmt.Errorf("qa: no corrective stage for type %q tier %q", task.AnalysisType, tier)
		}

		finalOutput, pass, err := p.runTier(ctx, task, tier, validator, corrective, profile, output, img)
		output = finalOutput
		if err != nil {
			return Result{Output: output}, err
		}
		if !pass {
			if _, err := p.store.TransitionTask(ctx, task.ID, store.TaskAwaitingQA, store.TaskManualReview,
				store.TaskTransitionFields{RawOutput: output}, ""); err != nil {
				return Result{}, fmt.Errorf("qa: transition to manual_review: %w", err)
			}
			p.metrics.ManualReviewTotal.Inc()
			return Result{FinalStatus: store.TaskManualReview, Output: output}, nil
		}
	}

	if _, err := p.store.TransitionTask(ctx, task.ID, store.TaskAwaitingQA, store.TaskCompleted,
		store.TaskTransitionFields{RawOutput: output}, ""); err != nil {
		return Result{}, fmt.Errorf("qa: transition to completed: %w", err)
	}
	return Result{FinalStatus: store.TaskCompleted, Output: output}, nil
}

// runTier runs validator up to the profile's tier attempt budget,
// invoking the corrective agent between a failing attempt and the next (spec §4.E
// steps 1-4). It returns the tier's final output and whether it
// ultimately passed; a non-nil error means a transport-level failure the
// caller should not treat as a manual_review routing.
func (p *Pipeline) runTier(ctx context.Context, task *store.Task, tier profiles.Tier, validator Validator,
	corrective *profiles.CorrectiveStage, profile *profiles.AnalysisProfile, output, img []byte) ([]byte, bool, error) {

	ctx, span := telemetry.StartSpan(ctx, "qa.tier."+string(tier))
	defer span.End()

	maxAttempts := tierAttemptBudget(profile)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		outcome, err := validator.Validate(ctx, Input{
			Tier: tier, AnalysisType: task.AnalysisType, Profile: profile, Output: output, ImageData: img,
		})
		duration := time.Since(start)
		if err != nil {
			if errors.Is(err, ErrTransient) {
				return output, false, err
			}
			return output, false, fmt.Errorf("qa: tier %s validate: %w", tier, err)
		}

		qaOutcome := store.QAFail
		if outcome.Pass {
			qaOutcome = store.QAPass
		}
		if recErr := p.store.RecordQAAttempt(ctx, store.QAAttempt{
			ID:                uuid.New(),
			TaskID:            task.ID,
			Tier:              tier,
			AttemptIndex:      attempt,
			Outcome:           qaOutcome,
			FailureCategories: outcome.Categories,
			AgentConfidence:   outcome.Confidence,
			Duration:          duration,
		}); recErr != nil && !errors.Is(recErr, store.ErrQAAttemptLimitReached) {
			return output, false, fmt.Errorf("qa: record attempt: %w", recErr)
		}
		p.metrics.QAAttemptsTotal.WithLabelValues(string(tier), string(qaOutcome)).Inc()

		if outcome.Pass {
			return output, true, nil
		}
		if attempt == maxAttempts {
			p.log.Info("qa tier exhausted, routing to manual review", "task", task.ID, "tier", tier)
			return output, false, nil
		}

		p.metrics.QACorrectiveTotal.WithLabelValues(string(tier)).Inc()
		corrected, err := p.correct(ctx, corrective, profile, output, img)
		if err != nil {
			if errors.Is(err, ErrTransient) {
				return output, false, err
			}
			return output, false, fmt.Errorf("qa: tier %s corrective call: %w", tier, err)
		}
		output = corrected

		if _, err := p.store.TransitionTask(ctx, task.ID, store.TaskAwaitingQA, store.TaskAwaitingQA,
			store.TaskTransitionFields{RawOutput: output}, ""); err != nil {
			return output, false, fmt.Errorf("qa: persist corrected output: %w", err)
		}
	}
	return output, false, nil
}

// correct renders the tier's corrective prompt with the original image
// and the current output, and returns the QA model's revised output
// (spec §4.E step 3).
func (p *Pipeline) correct(ctx context.Context, corrective *profiles.CorrectiveStage, profile *profiles.AnalysisProfile, output, img []byte) ([]byte, error) {
	rendered, err := profiles.RenderTemplate(string(corrective.Type)+"/"+string(corrective.Tier)+"/corrective",
		corrective.PromptTemplate, map[string]string{
			"IMAGE":        base64.StdEncoding.EncodeToString(img),
			"PRIOR_OUTPUT": string(output),
		})
	if err != nil {
		return nil, fmt.Errorf("%w: render corrective prompt: %w", ErrConfiguration, err)
	}

	ctx, cancel := qaCallContext(ctx, profile)
	defer cancel()

	raw, err := p.agent.Generate(ctx,
		"You are a corrective agent for automated image analysis. Respond with only the corrected output, matching the original document's schema.",
		rendered, img, agent.CallParams{Temperature: correctiveTemperature, MaxTokens: 2048})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return []byte(raw), nil
}
