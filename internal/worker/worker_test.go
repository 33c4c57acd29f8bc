package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/visionforge/visionforge/internal/imageprovider"
	"github.com/visionforge/visionforge/internal/profiles"
	"github.com/visionforge/visionforge/internal/qa"
	"github.com/visionforge/visionforge/internal/qa/agent"
	"github.com/visionforge/visionforge/internal/queue"
	"github.com/visionforge/visionforge/internal/registryclient"
	"github.com/visionforge/visionforge/internal/store"
	"github.com/visionforge/visionforge/internal/visionmodel"

	"github.com/tmc/langchaingo/llms"
)

// fakeStore implements TaskLeaser with an in-memory task, recording every
// CAS attempt so tests can assert the step sequence a Worker drove it
// through.
type fakeStore struct {
	mu              sync.Mutex
	task            *store.Task
	transitions     []struct{ from, to store.TaskStatus }
	cancelRequested bool
}

func (f *fakeStore) LeaseTask(_ context.Context, taskID uuid.UUID, workerID string, _ time.Duration) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.task.ID != taskID || f.task.Status != store.TaskPending {
		return nil, store.ErrCASMismatch
	}
	f.task.Status = store.TaskRunning
	f.task.LeaseWorkerID = workerID
	cp := *f.task
	return &cp, nil
}

func (f *fakeStore) TransitionTask(_ context.Context, _ uuid.UUID, from, to store.TaskStatus, fields store.TaskTransitionFields, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.task.Status != from {
		return false, nil
	}
	f.transitions = append(f.transitions, struct{ from, to store.TaskStatus }{from, to})
	f.task.Status = to
	if fields.RawOutput != nil {
		f.task.RawOutput = fields.RawOutput
	}
	if fields.LastError != "" {
		f.task.LastError = fields.LastError
	}
	if fields.ModelUsed != "" {
		f.task.ModelUsed = fields.ModelUsed
	}
	if fields.SystemPromptUsed != "" {
		f.task.SystemPromptUsed = fields.SystemPromptUsed
	}
	if fields.UserPromptUsed != "" {
		f.task.UserPromptUsed = fields.UserPromptUsed
	}
	return true, nil
}

func (f *fakeStore) CancelRequested(_ context.Context, _ uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelRequested, nil
}

// fakeBroker implements QueueSource, handing out one LeasedItem per key
// exactly once.
type fakeBroker struct {
	mu      sync.Mutex
	pending map[string]uuid.UUID
	acked   []uuid.UUID
}

func (f *fakeBroker) Dequeue(_ context.Context, queueKey, _ string, _, _ time.Duration) (*queue.LeasedItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.pending[queueKey]
	if !ok {
		return nil, nil
	}
	delete(f.pending, queueKey)
	return &queue.LeasedItem{TaskID: id}, nil
}

func (f *fakeBroker) Ack(_ string, taskID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, taskID)
	return nil
}

// fakeImages implements ImageFetcher with a fixed payload.
type fakeImages struct{ data []byte }

func (f *fakeImages) Fetch(_ context.Context, _ imageprovider.Media) ([]byte, error) {
	return f.data, nil
}

// fakeBackend implements visionmodel.Backend with a scripted response.
type fakeBackend struct {
	out  string
	err  error
	n    int
}

func (f *fakeBackend) Generate(_ context.Context, _ visionmodel.Request) (visionmodel.Result, error) {
	f.n++
	if f.err != nil {
		return visionmodel.Result{}, f.err
	}
	return visionmodel.Result{RawText: f.out}, nil
}

// fakeQAStore implements qa.TaskStore, recording the pipeline's final
// transition.
type fakeQAStore struct {
	mu         sync.Mutex
	transition store.TaskStatus
}

func (f *fakeQAStore) TransitionTask(_ context.Context, _ uuid.UUID, _, to store.TaskStatus, _ store.TaskTransitionFields, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transition = to
	return true, nil
}

func (f *fakeQAStore) RecordQAAttempt(_ context.Context, _ store.QAAttempt) error { return nil }

func (f *fakeQAStore) CancelRequested(_ context.Context, _ uuid.UUID) (bool, error) { return false, nil }

// fakeLLM is a scripted llms.Model that returns the same response to
// every call, mirroring internal/qa's own fakeModel test double shape.
type fakeLLM struct {
	response string
	calls    int
}

func (f *fakeLLM) GenerateContent(_ context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.calls++
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.response}}}, nil
}

func (f *fakeLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func testProfileSet(analysisType profiles.AnalysisType) *profiles.ProfileSet {
	minLen := 1
	profile := &profiles.AnalysisProfile{
		Type:                  analysisType,
		Version:               1,
		ModelName:             "vision-test-1",
		Temperature:           0.2,
		TopP:                  0.9,
		TopK:                  40,
		ContextSize:           4096,
		MaxOutput:             512,
		SystemPromptTemplate:  "system sees {{IMAGE}}",
		UserPromptTemplate:    "describe {{IMAGE}}",
		DomainExpertPromptTemplate: "review {{IMAGE}} against {{PRIOR_OUTPUT}}",
		OutputSchema: profiles.OutputSchema{
			Fields: []profiles.FieldRule{
				{Path: ".tags", Required: true, Type: "array", MinLength: &minLen},
			},
		},
	}
	byTier := make(map[profiles.Tier]*profiles.CorrectiveStage, len(profiles.Tiers))
	for _, tier := range profiles.Tiers {
		byTier[tier] = &profiles.CorrectiveStage{
			Type:           analysisType,
			Tier:           tier,
			Version:        1,
			PromptTemplate: "prior was {{PRIOR_OUTPUT}} for {{IMAGE}}; correct it",
		}
	}
	return &profiles.ProfileSet{
		Analysis:   map[profiles.AnalysisType]*profiles.AnalysisProfile{analysisType: profile},
		Corrective: map[profiles.AnalysisType]map[profiles.Tier]*profiles.CorrectiveStage{analysisType: byTier},
	}
}

func newInlineRegistry(set *profiles.ProfileSet) *profiles.Registry {
	return profiles.NewFromSet(set)
}

// fakeCompletion records the two lifecycle edges a Worker reports.
type fakeCompletion struct {
	mu       sync.Mutex
	started  []uuid.UUID
	completed []*store.Task
}

func (f *fakeCompletion) OnTaskStarted(_ context.Context, task *store.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, task.ID)
}

func (f *fakeCompletion) OnTaskCompleted(_ context.Context, task *store.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *task
	f.completed = append(f.completed, &cp)
}

func TestWorker_RunTask_HappyPathReachesCompleted(t *testing.T) {
	const analysisType profiles.AnalysisType = "object_detection"
	taskID := uuid.New()
	qk := queue.AnalysisKey(analysisType)

	st := &fakeStore{task: &store.Task{ID: taskID, MediaID: "m1", AnalysisType: analysisType, Status: store.TaskPending}}
	broker := &fakeBroker{pending: map[string]uuid.UUID{qk: taskID}}
	images := &fakeImages{data: []byte("fake-jpeg-bytes")}
	backend := &fakeBackend{out: `{"tags":["cat"]}`}

	jobs := NewJobIndex()
	processID := uuid.Nil
	jobs.Put(processID, "project-1", &registryclient.Job{
		Media:    []registryclient.MediaRef{{ID: "m1", Filename: "m1.jpg", OptimisedPath: "https://example.test/m1.jpg"}},
		Analyses: []registryclient.AnalysisRef{{ID: "a1", Name: "Object detection", Slug: string(analysisType)}},
	})

	completion := &fakeCompletion{}

	qaStore := &fakeQAStore{}
	model := &fakeLLM{response: `{"pass":true,"confidence":0.95}`}
	pipeline := qa.NewPipeline(agent.New(model), qaStore, logr.Discard())

	registry := newInlineRegistry(testProfileSet(analysisType))

	w := New("worker-test", Config{
		Broker:     broker,
		Store:      st,
		Registry:   registry,
		Images:     images,
		Jobs:       jobs,
		Backend:    backend,
		Pipeline:   pipeline,
		Semaphore:  semaphore.NewWeighted(1),
		Completion: completion,
	}).WithLogger(logr.Discard())

	leased, err := broker.Dequeue(context.Background(), qk, "worker-test", 0, 0)
	if err != nil || leased == nil {
		t.Fatalf("Dequeue: leased=%v err=%v", leased, err)
	}
	w.processLeased(context.Background(), qk, leased)

	if backend.n != 1 {
		t.Fatalf("backend called %d times, want 1", backend.n)
	}
	if len(broker.acked) != 1 || broker.acked[0] != taskID {
		t.Fatalf("expected task acked exactly once, got %v", broker.acked)
	}
	if len(completion.started) != 1 {
		t.Fatalf("expected one OnTaskStarted call, got %d", len(completion.started))
	}
	if len(completion.completed) != 1 {
		t.Fatalf("expected one OnTaskCompleted call, got %d", len(completion.completed))
	}
	if completion.completed[0].Status != store.TaskCompleted {
		t.Fatalf("final status = %s, want completed", completion.completed[0].Status)
	}
	if completion.completed[0].ModelUsed != "vision-test-1" {
		t.Fatalf("ModelUsed = %q, want vision-test-1", completion.completed[0].ModelUsed)
	}
}

func TestWorker_RunTask_MissingMediaFailsRunning(t *testing.T) {
	const analysisType profiles.AnalysisType = "object_detection"
	taskID := uuid.New()

	st := &fakeStore{task: &store.Task{ID: taskID, MediaID: "unknown-media", AnalysisType: analysisType, Status: store.TaskRunning}}
	completion := &fakeCompletion{}
	registry := newInlineRegistry(testProfileSet(analysisType))

	w := New("worker-test", Config{
		Store:      st,
		Registry:   registry,
		Jobs:       NewJobIndex(),
		Semaphore:  semaphore.NewWeighted(1),
		Completion: completion,
	}).WithLogger(logr.Discard())

	w.runTask(context.Background(), st.task)

	if st.task.Status != store.TaskFailed {
		t.Fatalf("status = %s, want failed", st.task.Status)
	}
	if len(completion.completed) != 1 {
		t.Fatalf("expected one OnTaskCompleted call, got %d", len(completion.completed))
	}
}

func TestWorker_RunTask_ModelErrorExhaustsRetriesAndFails(t *testing.T) {
	const analysisType profiles.AnalysisType = "object_detection"
	taskID := uuid.New()

	st := &fakeStore{task: &store.Task{ID: taskID, MediaID: "m1", AnalysisType: analysisType, Status: store.TaskRunning}}
	images := &fakeImages{data: []byte("img")}
	backend := &fakeBackend{err: errAlwaysFails{}}
	jobs := NewJobIndex()
	jobs.Put(uuid.Nil, "project-1", &registryclient.Job{
		Media:    []registryclient.MediaRef{{ID: "m1", Filename: "m1.jpg", OptimisedPath: "https://example.test/m1.jpg"}},
		Analyses: []registryclient.AnalysisRef{{ID: "a1", Name: "Object detection", Slug: string(analysisType)}},
	})
	registry := newInlineRegistry(testProfileSet(analysisType))

	w := New("worker-test", Config{
		Store:     st,
		Registry:  registry,
		Images:    images,
		Jobs:      jobs,
		Backend:   backend,
		Semaphore: semaphore.NewWeighted(1),
	}).WithLogger(logr.Discard())

	w.runTask(context.Background(), st.task)

	if st.task.Status != store.TaskFailed {
		t.Fatalf("status = %s, want failed", st.task.Status)
	}
	if backend.n == 0 {
		t.Fatal("expected at least one backend call")
	}
}

func TestWorker_RunTask_CancelObservedAfterModelCall(t *testing.T) {
	const analysisType profiles.AnalysisType = "object_detection"
	taskID := uuid.New()

	st := &fakeStore{
		task:            &store.Task{ID: taskID, MediaID: "m1", AnalysisType: analysisType, Status: store.TaskRunning},
		cancelRequested: true,
	}
	images := &fakeImages{data: []byte("img")}
	backend := &fakeBackend{out: `{"tags":["cat"]}`}
	jobs := NewJobIndex()
	jobs.Put(uuid.Nil, "project-1", &registryclient.Job{
		Media:    []registryclient.MediaRef{{ID: "m1", Filename: "m1.jpg", OptimisedPath: "https://example.test/m1.jpg"}},
		Analyses: []registryclient.AnalysisRef{{ID: "a1", Name: "Object detection", Slug: string(analysisType)}},
	})
	completion := &fakeCompletion{}

	w := New("worker-test", Config{
		Store:      st,
		Registry:   newInlineRegistry(testProfileSet(analysisType)),
		Images:     images,
		Jobs:       jobs,
		Backend:    backend,
		Semaphore:  semaphore.NewWeighted(1),
		Completion: completion,
	}).WithLogger(logr.Discard())

	w.runTask(context.Background(), st.task)

	if backend.n != 1 {
		t.Fatalf("backend called %d times, want 1 (cancel check runs after the model call completes)", backend.n)
	}
	if st.task.Status != store.TaskFailed {
		t.Fatalf("status = %s, want failed", st.task.Status)
	}
	if st.task.LastError != "process cancelled" {
		t.Fatalf("LastError = %q, want %q", st.task.LastError, "process cancelled")
	}
	if len(completion.completed) != 1 {
		t.Fatalf("expected one OnTaskCompleted call, got %d", len(completion.completed))
	}
}

type errAlwaysFails struct{}

func (errAlwaysFails) Error() string { return "model unavailable" }
