// Package orchestrator implements the Job Orchestrator (spec §4.F): the
// long-running driver that owns a Process's lifecycle end to end —
// acquiring jobs from the external registry, fanning them out into
// Tasks, and, once every Task is terminal, submitting the process-level
// report and closing the Process.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/visionforge/visionforge/internal/metrics"
	"github.com/visionforge/visionforge/internal/notify"
	"github.com/visionforge/visionforge/internal/profiles"
	"github.com/visionforge/visionforge/internal/queue"
	"github.com/visionforge/visionforge/internal/registryclient"
	"github.com/visionforge/visionforge/internal/store"
	"github.com/visionforge/visionforge/internal/telemetry"
	"github.com/visionforge/visionforge/internal/worker"
)

// submissionRetries bounds the orchestrator's own retry budget around
// registry submission calls (spec §4.F: "Submission retries with bounded
// budget"), distinct from internal/worker's vision-model retry budget.
const submissionRetries = 3

// submissionRetryBase is the same base backoff the worker uses for
// transport retries, reused here for the same reason: no outbound call
// in this system waits longer than a few seconds before giving up on one
// attempt.
const submissionRetryBase = 1 * time.Second

// Config bundles an Orchestrator's collaborators.
type Config struct {
	Registry RegistryClient
	Store    ProcessStore
	Broker   QueueEnqueuer
	Profiles *profiles.Registry
	Jobs     *worker.JobIndex
	Notify   *notify.Dispatcher
	Metrics  *metrics.Metrics

	// PollInterval is acquire_next_job's poll period (spec §4.F default: 10s).
	PollInterval time.Duration

	// CircuitBreakerThreshold/Window parameterize the per-process sliding
	// window breaker (spec §4.E default: 0.30 over 100 outcomes).
	CircuitBreakerThreshold float64
	CircuitBreakerWindow    int
}

// Orchestrator drives process acquisition and completion (spec §4.F).
type Orchestrator struct {
	Config
	log logr.Logger

	mu       sync.Mutex
	breakers map[uuid.UUID]*slidingWindowBreaker
	started  map[uuid.UUID]time.Time
}

// New constructs an Orchestrator. Callers should call WithLogger before Run.
func New(cfg Config) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = 0.30
	}
	if cfg.CircuitBreakerWindow <= 0 {
		cfg.CircuitBreakerWindow = 100
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	return &Orchestrator{
		Config:   cfg,
		log:      logr.Discard(),
		breakers: make(map[uuid.UUID]*slidingWindowBreaker),
		started:  make(map[uuid.UUID]time.Time),
	}
}

// WithLogger attaches log.
func (o *Orchestrator) WithLogger(log logr.Logger) *Orchestrator {
	o.log = log.WithName("orchestrator")
	return o
}

// Run polls the registry every PollInterval until ctx is cancelled
// (spec §4.F: "polls the external registry every 10s").
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.PollInterval)
	defer ticker.Stop()

	o.acquireNextJob(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.acquireNextJob(ctx)
		}
	}
}

// acquireNextJob is spec §4.F's acquire_next_job: polls once, and on a
// job, creates the Process and expands it into enqueued Tasks. A 404
// ("no job") or transient registry error is swallowed — the next tick
// retries (spec §4.F: "Acquisition 404 means 'no jobs' — back off and poll").
func (o *Orchestrator) acquireNextJob(ctx context.Context) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.acquire")
	defer span.End()

	job, err := o.Registry.NextJob(ctx)
	if err != nil {
		if !errors.Is(err, registryclient.ErrNoJob) {
			o.log.Error(err, "acquire_next_job failed")
		}
		return
	}

	set := o.Profiles.Current()
	snapshot, err := buildConfigSnapshot(set)
	if err != nil {
		o.log.Error(err, "build config snapshot failed")
		return
	}

	process, err := o.Store.CreateProcess(ctx, store.ExternalIDs{
		ClientID: job.Client.ID, ClientSlug: job.Client.Slug, ClientName: job.Client.Name,
		ProjectID: job.Project.ID, ProjectSlug: job.Project.Slug, ProjectName: job.Project.Name,
	}, set.Generation, snapshot)
	if err != nil {
		o.log.Error(err, "create process failed")
		return
	}
	o.log.Info("process acquired", "process", process.ID, "project", job.Project.ID,
		"media", len(job.Media), "analyses", len(job.Analyses))
	o.Metrics.ProcessesAcquiredTotal.Inc()

	o.Jobs.Put(process.ID, job.Project.ID, job)

	o.mu.Lock()
	o.breakers[process.ID] = newSlidingWindowBreaker(o.CircuitBreakerWindow, o.CircuitBreakerThreshold)
	o.started[process.ID] = time.Now().UTC()
	o.mu.Unlock()

	if err := o.expandAndEnqueue(ctx, process, job, set); err != nil {
		o.log.Error(err, "expand_and_enqueue failed", "process", process.ID)
	}
}

// buildConfigSnapshot freezes the (analysis type -> profile version) map
// in effect at acquisition time (spec §3: "a frozen configuration
// snapshot"), so a mid-process reload never changes which profile
// version a task was dispatched against.
func buildConfigSnapshot(set *profiles.ProfileSet) ([]byte, error) {
	versions := make(map[string]int, len(set.Analysis))
	for t, p := range set.Analysis {
		versions[string(t)] = p.Version
	}
	return json.Marshal(versions)
}

// expandAndEnqueue is spec §4.F's expand_and_enqueue: one Task per
// (media, analysis) pair, enqueued into its analysis-type queue in
// creation order. A process-level circuit breaker trip observed mid-loop
// (raised by this process's own tasks that workers complete while the
// loop is still enqueuing) halts further enqueues; the remaining Task rows still exist (accurate
// total_tasks accounting) but are never dispatched.
func (o *Orchestrator) expandAndEnqueue(ctx context.Context, process *store.Process, job *registryclient.Job, set *profiles.ProfileSet) error {
	newTasks := make([]store.NewTask, 0, len(job.Media)*len(job.Analyses))
	for _, media := range job.Media {
		for _, an := range job.Analyses {
			analysisType := profiles.AnalysisType(an.Slug)
			profile, ok := set.Analysis[analysisType]
			if !ok {
				o.log.Info("skipping analysis with no registered profile", "process", process.ID, "type", an.Slug)
				continue
			}
			newTasks = append(newTasks, store.NewTask{
				ID:             uuid.New(),
				ProcessID:      process.ID,
				MediaID:        media.ID,
				AnalysisType:   analysisType,
				ProfileVersion: profile.Version,
				QueueKey:       queue.AnalysisKey(analysisType),
			})
		}
	}

	created, err := o.Store.CreateTasks(ctx, process.ID, newTasks)
	if err != nil {
		return fmt.Errorf("orchestrator: create tasks: %w", err)
	}

	breaker := o.breakerFor(process.ID)
	enqueued := 0
	for _, t := range created {
		if breaker != nil && breaker.Tripped() {
			break
		}
		if err := o.Broker.Enqueue(ctx, t.QueueKey, t.ID, queue.PriorityNormal); err != nil {
			o.log.Error(err, "enqueue failed", "task", t.ID, "queue", t.QueueKey)
			continue
		}
		enqueued++
	}
	if enqueued < len(created) {
		o.log.Info("enqueue halted before covering every task", "process", process.ID,
			"enqueued", enqueued, "total", len(created))
	}
	return nil
}

func (o *Orchestrator) breakerFor(processID uuid.UUID) *slidingWindowBreaker {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.breakers[processID]
}

// retryableSubmit runs fn with the orchestrator's bounded submission
// retry budget, retrying only registryclient.ErrRetryable failures (spec
// §4.F/§7: "5xx/network is retried"; a non-retryable error returns
// immediately).
func retryableSubmit(ctx context.Context, fn func(ctx context.Context) error) error {
	base := retry.NewExponential(submissionRetryBase)
	backoff := retry.WithMaxRetries(submissionRetries, base)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var retryable *registryclient.ErrRetryable
		if errors.As(err, &retryable) {
			return retry.RetryableError(err)
		}
		return err
	})
}
