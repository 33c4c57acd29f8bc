// Package worker implements the Analysis Worker (spec §4.D): it drains
// leased tasks from the Task Queue Broker, executes one image×analysis
// task end-to-end through the vision model, and hands the result to the
// QA Pipeline, persisting state after every observable step.
package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/visionforge/visionforge/internal/metrics"
	"github.com/visionforge/visionforge/internal/notify"
	"github.com/visionforge/visionforge/internal/profiles"
	"github.com/visionforge/visionforge/internal/qa"
	"github.com/visionforge/visionforge/internal/queue"
	"github.com/visionforge/visionforge/internal/store"
	"github.com/visionforge/visionforge/internal/telemetry"
	"github.com/visionforge/visionforge/internal/visionmodel"
)

// modelCallDeadline is the primary-analysis model-call wall-clock
// deadline (spec §4.D Step 2: "Timeout per call: 60s").
const modelCallDeadline = 60 * time.Second

// dequeueWaitFor bounds how long one Dequeue poll blocks before a worker
// rotates to the next queue key, so a pool of workers shares 21 analysis
// queues without any one worker starving the others.
const dequeueWaitFor = 250 * time.Millisecond

// Transport retry parameters (spec §4.D: "up to 3 retries with
// exponential backoff (base 1s, factor 2, jitter ±25%)").
const (
	transportRetries   = 3
	transportRetryBase = 1 * time.Second
	transportJitterPct = 25
)

// CompletionHandler lets the Job Orchestrator observe the two
// observable edges of a task's lifecycle a Worker drives directly: the
// pending→running transition (so the orchestrator can fire its
// one-time "processing" status update, spec §4.F) and any terminal
// transition (so it can update process counters and submit the
// result).
type CompletionHandler interface {
	OnTaskStarted(ctx context.Context, task *store.Task)
	OnTaskCompleted(ctx context.Context, task *store.Task)
}

// Config bundles a Worker's collaborators (spec §4.D's dependency list:
// Configuration Registry, Image Provider, Vision Model, QA Pipeline,
// State Store, Task Queue Broker).
type Config struct {
	Broker     QueueSource
	Store      TaskLeaser
	Registry   *profiles.Registry
	Images     ImageFetcher
	Jobs       *JobIndex
	Backend    visionmodel.Backend
	Pipeline   *qa.Pipeline
	Semaphore  *semaphore.Weighted
	Notify     *notify.Dispatcher
	Completion CompletionHandler
	Metrics    *metrics.Metrics

	// ImageLocks must be the one instance shared by every Worker in the
	// pool (spec §5: one model call at a time per image).
	ImageLocks *ImageLocks

	// LeaseTTLMultiplier is spec §5's "5x the profile deadline"; defaults
	// to 5 when zero.
	LeaseTTLMultiplier int
}

// Worker drains every analysis queue in rotation and drives each leased
// task through model invocation and the QA pipeline (spec §4.D).
type Worker struct {
	id string
	Config
	leaseTTLMultiplier int
	log                logr.Logger
}

// New constructs a Worker identified by id, used as both its queue
// lease-holder name and its store lease-holder name.
func New(id string, cfg Config) *Worker {
	mult := cfg.LeaseTTLMultiplier
	if mult <= 0 {
		mult = 5
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	if cfg.ImageLocks == nil {
		cfg.ImageLocks = NewImageLocks()
	}
	return &Worker{id: id, Config: cfg, leaseTTLMultiplier: mult, log: logr.Discard()}
}

// WithLogger attaches log, scoped with this worker's id.
func (w *Worker) WithLogger(log logr.Logger) *Worker {
	w.log = log.WithName("worker").WithValues("worker_id", w.id)
	return w
}

func (w *Worker) leaseTTL() time.Duration {
	return time.Duration(w.leaseTTLMultiplier) * modelCallDeadline
}

// Run loops until ctx is cancelled, round-robining across every
// analysis queue key looking for work (spec §5: "Each worker loops:
// lease → analyze → QA → update. No per-task thread.").
func (w *Worker) Run(ctx context.Context) error {
	keys := make([]string, 0, len(profiles.ClosedTypes))
	for _, t := range profiles.ClosedTypes {
		keys = append(keys, queue.AnalysisKey(t))
	}

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		key := keys[i%len(keys)]
		leased, err := w.Broker.Dequeue(ctx, key, w.id, w.leaseTTL(), dequeueWaitFor)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error(err, "dequeue failed", "queue", key)
			continue
		}
		if leased == nil {
			continue
		}
		w.processLeased(ctx, key, leased)
	}
}

// processLeased promotes a queue-level lease to a store-level lease and
// runs the task end-to-end, acking the queue entry regardless of
// outcome: the store's status is authoritative, the queue entry is
// only dispatch bookkeeping (spec §4.C).
func (w *Worker) processLeased(ctx context.Context, queueKey string, leased *queue.LeasedItem) {
	defer func() {
		if err := w.Broker.Ack(queueKey, leased.TaskID); err != nil {
			w.log.Error(err, "ack failed", "task", leased.TaskID)
		}
	}()

	task, err := w.Store.LeaseTask(ctx, leased.TaskID, w.id, w.leaseTTL())
	if err != nil {
		if errors.Is(err, store.ErrCASMismatch) || errors.Is(err, store.ErrNotFound) {
			return // already claimed, reclaimed, or cancelled away; nothing to do
		}
		w.log.Error(err, "lease task failed", "task", leased.TaskID)
		return
	}

	if w.Completion != nil {
		w.Completion.OnTaskStarted(ctx, task)
	}
	w.runTask(ctx, task)
}

// runTask executes spec §4.D's four steps for one leased task: render
// prompts, invoke the model, hand off to QA, and report the terminal
// outcome.
func (w *Worker) runTask(ctx context.Context, task *store.Task) {
	ctx, span := telemetry.StartSpan(ctx, "task.analyze")
	defer span.End()
	log := w.log.WithValues("task", task.ID, "process", task.ProcessID, "type", task.AnalysisType)

	set := w.Registry.Current()
	profile, ok := set.Analysis[task.AnalysisType]
	if !ok {
		w.failRunning(ctx, task, fmt.Sprintf("no analysis profile for type %q", task.AnalysisType))
		return
	}

	media, err := w.Jobs.Media(task.ProcessID, task.MediaID)
	if err != nil {
		w.failRunning(ctx, task, err.Error())
		return
	}
	img, err := w.Images.Fetch(ctx, media)
	if err != nil {
		w.failRunning(ctx, task, fmt.Sprintf("image fetch: %v", err))
		return
	}

	imageB64 := base64.StdEncoding.EncodeToString(img)
	systemPrompt, err := profiles.RenderTemplate(string(task.AnalysisType)+"/system", profile.SystemPromptTemplate,
		map[string]string{"IMAGE": imageB64})
	if err != nil {
		w.failRunning(ctx, task, fmt.Sprintf("render system prompt: %v", err))
		return
	}
	userPrompt, err := profiles.RenderTemplate(string(task.AnalysisType)+"/user", profile.UserPromptTemplate,
		map[string]string{"IMAGE": imageB64})
	if err != nil {
		w.failRunning(ctx, task, fmt.Sprintf("render user prompt: %v", err))
		return
	}

	unlockImage := w.ImageLocks.Lock(task.MediaID)
	output, err := w.invokeModel(ctx, profile, systemPrompt, userPrompt, img)
	unlockImage()
	if err != nil {
		log.Error(err, "model invocation exhausted retries")
		w.failRunning(ctx, task, err.Error())
		return
	}

	// Cooperative cancellation point (spec §5): the model call just
	// finished; consult the cancel flag before the QA handoff.
	if cancelled, cErr := w.Store.CancelRequested(ctx, task.ProcessID); cErr == nil && cancelled {
		log.Info("process cancel observed, stopping task")
		w.failRunning(ctx, task, "process cancelled")
		return
	}

	ok, err = w.Store.TransitionTask(ctx, task.ID, store.TaskRunning, store.TaskAwaitingQA, store.TaskTransitionFields{
		RawOutput:        []byte(output),
		ModelUsed:        profile.ModelName,
		SystemPromptUsed: systemPrompt,
		UserPromptUsed:   userPrompt,
	}, "")
	if err != nil {
		log.Error(err, "transition to awaiting_qa failed")
		return
	}
	if !ok {
		return // reclaimed out from under us mid-step; another worker now owns it
	}
	task.Status = store.TaskAwaitingQA
	task.RawOutput = []byte(output)
	task.ModelUsed, task.SystemPromptUsed, task.UserPromptUsed = profile.ModelName, systemPrompt, userPrompt

	result, err := w.Pipeline.Run(ctx, task, set, img)
	if err != nil {
		log.Error(err, "qa pipeline error")
		return
	}

	task.Status = result.FinalStatus
	task.RawOutput = result.Output
	w.Metrics.TasksProcessedTotal.WithLabelValues(string(task.AnalysisType), string(task.Status)).Inc()
	w.notifyTerminal(ctx, task)
	if w.Completion != nil {
		w.Completion.OnTaskCompleted(ctx, task)
	}
}

// invokeModel calls the vision model, retrying transport-level failures
// per spec §4.D, gated by the process-wide concurrency semaphore. Only
// these primary analysis calls acquire the semaphore; the QA pipeline's
// review and corrective agent calls do not.
func (w *Worker) invokeModel(ctx context.Context, profile *profiles.AnalysisProfile, system, user string, img []byte) (string, error) {
	if err := w.Semaphore.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("worker: acquire model semaphore: %w", err)
	}
	defer w.Semaphore.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, modelCallDeadline)
	defer cancel()

	base, err := retry.NewExponential(transportRetryBase)
	if err != nil {
		return "", fmt.Errorf("worker: build retry backoff: %w", err)
	}
	backoff := retry.WithJitterPercent(transportJitterPct, retry.WithMaxRetries(transportRetries, base))

	callStart := time.Now()
	var out string
	err = retry.Do(callCtx, backoff, func(ctx context.Context) error {
		res, genErr := w.Backend.Generate(ctx, visionmodel.Request{
			System: system, User: user, ImageData: img,
			Params: visionmodel.Params{
				ModelName:   profile.ModelName,
				Temperature: profile.Temperature,
				TopP:        profile.TopP,
				TopK:        profile.TopK,
				ContextSize: profile.ContextSize,
				MaxTokens:   profile.MaxOutput,
			},
		})
		if genErr != nil {
			w.Metrics.ModelCallRetriesTotal.Inc()
			return retry.RetryableError(genErr)
		}
		out = res.RawText
		return nil
	})
	w.Metrics.ModelCallLatency.WithLabelValues("analysis").Observe(time.Since(callStart).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			w.Metrics.ModelCallTimeoutsTotal.Inc()
		}
		return "", fmt.Errorf("worker: model call: %w", err)
	}
	return out, nil
}

// failRunning transitions task to failed from running — the only state
// a worker-local failure (image fetch, template render, exhausted
// model retries) can occur in, since the QA pipeline owns every
// failure past the awaiting_qa handoff (spec §4.D: "persistent model
// unavailability ... marks task failed").
func (w *Worker) failRunning(ctx context.Context, task *store.Task, detail string) {
	ok, err := w.Store.TransitionTask(ctx, task.ID, store.TaskRunning, store.TaskFailed,
		store.TaskTransitionFields{LastError: detail}, "")
	if err != nil {
		w.log.Error(err, "transition to failed errored", "task", task.ID)
		return
	}
	if !ok {
		return
	}
	task.Status = store.TaskFailed
	task.LastError = detail
	w.Metrics.TasksProcessedTotal.WithLabelValues(string(task.AnalysisType), string(store.TaskFailed)).Inc()
	if w.Completion != nil {
		w.Completion.OnTaskCompleted(ctx, task)
	}
}

func (w *Worker) notifyTerminal(ctx context.Context, task *store.Task) {
	if w.Notify == nil || task.Status != store.TaskManualReview {
		return
	}
	w.Notify.Notify(ctx, notify.Event{
		Kind:      notify.KindQADomain,
		ProcessID: task.ProcessID.String(),
		Title:     "task requires manual review",
		Body:      fmt.Sprintf("task %s (%s) exhausted QA retries", task.ID, task.AnalysisType),
		Fields:    map[string]string{"task_id": task.ID.String(), "analysis_type": string(task.AnalysisType)},
	})
}

// Pool runs a fixed-size set of Workers concurrently until ctx is
// cancelled or one Worker returns an error (spec §5: "a fixed-size pool
// of worker tasks (default 8)").
type Pool struct {
	workers []*Worker
}

// NewPool builds count Workers, each constructed by cfgFn with its own
// worker id, sharing whatever collaborators cfgFn closes over (broker,
// store, semaphore, ...).
func NewPool(count int, cfgFn func(id string) Config, log logr.Logger) *Pool {
	p := &Pool{}
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("worker-%d", i)
		p.workers = append(p.workers, New(id, cfgFn(id)).WithLogger(log))
	}
	return p
}

// Run blocks until ctx is cancelled, at which point every Worker's Run
// returns nil and Run returns nil too.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error { return w.Run(gctx) })
	}
	return g.Wait()
}
