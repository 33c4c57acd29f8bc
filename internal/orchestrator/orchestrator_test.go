package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/visionforge/visionforge/internal/profiles"
	"github.com/visionforge/visionforge/internal/queue"
	"github.com/visionforge/visionforge/internal/registryclient"
	"github.com/visionforge/visionforge/internal/store"
	"github.com/visionforge/visionforge/internal/worker"
)

// fakeRegistry implements RegistryClient, recording every submission the
// orchestrator drives so tests can assert the exact registry traffic.
type fakeRegistry struct {
	mu          sync.Mutex
	jobs        []*registryclient.Job
	statuses    []string
	submissions []registryclient.AnalysisSubmission
	reports     []registryclient.Report
}

func (f *fakeRegistry) NextJob(_ context.Context) (*registryclient.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		return nil, registryclient.ErrNoJob
	}
	job := f.jobs[0]
	f.jobs = f.jobs[1:]
	return job, nil
}

func (f *fakeRegistry) SetProjectStatus(_ context.Context, _ string, status registryclient.ProjectStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status.Status)
	return nil
}

func (f *fakeRegistry) SubmitAnalysis(_ context.Context, _, _, _ string, sub registryclient.AnalysisSubmission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, sub)
	return nil
}

func (f *fakeRegistry) SubmitReport(_ context.Context, _ string, report registryclient.Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report)
	return nil
}

// fakeProcessStore implements ProcessStore in memory, mirroring the real
// Store's CAS/dedupe semantics closely enough to drive the orchestrator.
type fakeProcessStore struct {
	mu        sync.Mutex
	process   *store.Process
	tasks     []store.Task
	submitted map[uuid.UUID]bool
	audits    []string
}

func newFakeProcessStore() *fakeProcessStore {
	return &fakeProcessStore{submitted: make(map[uuid.UUID]bool)}
}

func (f *fakeProcessStore) CreateProcess(_ context.Context, ext store.ExternalIDs, gen uint64, snapshot []byte) (*store.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.process = &store.Process{
		ID:               uuid.New(),
		ExternalIDs:      ext,
		Status:           store.ProcessInitializing,
		ConfigGeneration: gen,
		ConfigSnapshot:   snapshot,
	}
	return f.process, nil
}

func (f *fakeProcessStore) CreateTasks(_ context.Context, processID uuid.UUID, tasks []store.NewTask) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Task, 0, len(tasks))
	for _, nt := range tasks {
		t := store.Task{
			ID: nt.ID, ProcessID: processID, MediaID: nt.MediaID,
			AnalysisType: nt.AnalysisType, ProfileVersion: nt.ProfileVersion,
			QueueKey: nt.QueueKey, Status: store.TaskPending,
		}
		f.tasks = append(f.tasks, t)
		out = append(out, t)
	}
	f.process.TotalTasks += len(tasks)
	return out, nil
}

func (f *fakeProcessStore) UpdateProcessCounters(_ context.Context, _ uuid.UUID, deltas store.ProcessCounterDeltas) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.process.CompletedTasks += deltas.Completed
	f.process.FailedTasks += deltas.Failed
	f.process.ManualReviewTasks += deltas.ManualReview
	return nil
}

func (f *fakeProcessStore) MarkStatusSubmitted(_ context.Context, _ uuid.UUID, status store.ProcessStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.process.RegistryStatusSubmitted == string(status) {
		return false, nil
	}
	f.process.RegistryStatusSubmitted = string(status)
	return true, nil
}

func (f *fakeProcessStore) MarkSubmitted(_ context.Context, taskID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitted[taskID] {
		return store.ErrDuplicateSubmission
	}
	f.submitted[taskID] = true
	return nil
}

func (f *fakeProcessStore) CompleteProcess(_ context.Context, _ uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.process.Status = store.ProcessCompleted
	return nil
}

func (f *fakeProcessStore) ListTasksByProcess(_ context.Context, _ uuid.UUID) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Task(nil), f.tasks...), nil
}

func (f *fakeProcessStore) GetProcess(_ context.Context, _ uuid.UUID) (*store.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.process
	return &cp, nil
}

func (f *fakeProcessStore) EmitAudit(_ context.Context, _ uuid.UUID, _ *uuid.UUID, kind string, _ any, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, kind)
	return nil
}

// fakeEnqueuer implements QueueEnqueuer, recording every enqueue.
type fakeEnqueuer struct {
	mu      sync.Mutex
	entries []string
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, queueKey string, _ uuid.UUID, _ queue.Priority) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, queueKey)
	return nil
}

func testProfileSet(types ...profiles.AnalysisType) *profiles.ProfileSet {
	set := &profiles.ProfileSet{
		Analysis:   make(map[profiles.AnalysisType]*profiles.AnalysisProfile),
		Corrective: make(map[profiles.AnalysisType]map[profiles.Tier]*profiles.CorrectiveStage),
	}
	for _, t := range types {
		set.Analysis[t] = &profiles.AnalysisProfile{Type: t, Version: 1, ModelName: "vision-test-1"}
		byTier := make(map[profiles.Tier]*profiles.CorrectiveStage, len(profiles.Tiers))
		for _, tier := range profiles.Tiers {
			byTier[tier] = &profiles.CorrectiveStage{Type: t, Tier: tier, Version: 1, PromptTemplate: "{{PRIOR_OUTPUT}} {{IMAGE}}"}
		}
		set.Corrective[t] = byTier
	}
	return set
}

func testJob(mediaCount int, types ...profiles.AnalysisType) *registryclient.Job {
	job := &registryclient.Job{
		Client:  registryclient.ClientRef{ID: uuid.NewString(), Slug: "acme", Name: "Acme"},
		Project: registryclient.ProjectRef{ID: uuid.NewString(), Slug: "catalogue", Name: "Catalogue"},
	}
	for i := 0; i < mediaCount; i++ {
		id := uuid.NewString()
		job.Media = append(job.Media, registryclient.MediaRef{
			ID: id, Filename: id + ".jpg", OptimisedPath: "https://img.example.test/" + id + ".jpg",
		})
	}
	for _, t := range types {
		job.Analyses = append(job.Analyses, registryclient.AnalysisRef{ID: uuid.NewString(), Name: string(t), Slug: string(t)})
	}
	return job
}

func newTestOrchestrator(reg *fakeRegistry, st *fakeProcessStore, enq *fakeEnqueuer, set *profiles.ProfileSet) *Orchestrator {
	return New(Config{
		Registry: reg,
		Store:    st,
		Broker:   enq,
		Profiles: profiles.NewFromSet(set),
		Jobs:     worker.NewJobIndex(),
	}).WithLogger(logr.Discard())
}

func TestAcquireNextJob_ExpandsIntoMediaTimesAnalysesTasks(t *testing.T) {
	set := testProfileSet("object_detection", "scene_description")
	reg := &fakeRegistry{jobs: []*registryclient.Job{testJob(2, "object_detection", "scene_description")}}
	st := newFakeProcessStore()
	enq := &fakeEnqueuer{}

	o := newTestOrchestrator(reg, st, enq, set)
	o.acquireNextJob(context.Background())

	require.NotNil(t, st.process)
	require.Equal(t, 4, st.process.TotalTasks)
	require.Len(t, st.tasks, 4)
	require.Len(t, enq.entries, 4)
	for _, task := range st.tasks {
		require.Equal(t, queue.AnalysisKey(task.AnalysisType), task.QueueKey)
		require.Equal(t, 1, task.ProfileVersion, "task must pin the profile version frozen at acquisition")
	}
}

func TestAcquireNextJob_NoJobIsANoOp(t *testing.T) {
	set := testProfileSet("object_detection")
	reg := &fakeRegistry{}
	st := newFakeProcessStore()
	enq := &fakeEnqueuer{}

	o := newTestOrchestrator(reg, st, enq, set)
	o.acquireNextJob(context.Background())

	require.Nil(t, st.process)
	require.Empty(t, enq.entries)
}

func TestAcquireNextJob_SkipsAnalysesWithoutProfiles(t *testing.T) {
	// Only one of the job's two analysis types has a registered profile.
	set := testProfileSet("object_detection")
	reg := &fakeRegistry{jobs: []*registryclient.Job{testJob(3, "object_detection", "scene_description")}}
	st := newFakeProcessStore()
	enq := &fakeEnqueuer{}

	o := newTestOrchestrator(reg, st, enq, set)
	o.acquireNextJob(context.Background())

	require.Len(t, st.tasks, 3)
	for _, task := range st.tasks {
		require.Equal(t, profiles.AnalysisType("object_detection"), task.AnalysisType)
	}
}

// drive simulates the worker side of a task's lifecycle against the
// orchestrator's two completion hooks.
func drive(t *testing.T, o *Orchestrator, st *fakeProcessStore, status store.TaskStatus) {
	t.Helper()
	for i := range st.tasks {
		task := st.tasks[i]
		o.OnTaskStarted(context.Background(), &task)
		task.Status = status
		task.RawOutput = []byte(`{"tags":["cat"]}`)
		task.ModelUsed, task.SystemPromptUsed, task.UserPromptUsed = "vision-test-1", "sys", "user"
		o.OnTaskCompleted(context.Background(), &task)
	}
}

func TestHappyPath_SubmissionsStatusesAndReport(t *testing.T) {
	// Spec's literal scenario 1: 2 media x 2 analyses, everything passes.
	set := testProfileSet("object_detection", "scene_description")
	reg := &fakeRegistry{jobs: []*registryclient.Job{testJob(2, "object_detection", "scene_description")}}
	st := newFakeProcessStore()
	enq := &fakeEnqueuer{}

	o := newTestOrchestrator(reg, st, enq, set)
	o.acquireNextJob(context.Background())
	drive(t, o, st, store.TaskCompleted)

	require.Equal(t, []string{"processing", "completed"}, reg.statuses,
		"exactly one processing then one completed status update")
	require.Len(t, reg.submissions, 4)
	require.Len(t, reg.reports, 1)

	details := reg.reports[0].Report.Details
	require.Equal(t, 2, details.TotalMediaProcessed)
	require.Equal(t, 4, details.TotalAnalysesCompleted)
	require.InDelta(t, 1.0, details.SuccessRate, 1e-9)
	require.ElementsMatch(t, []string{"object_detection", "scene_description"}, details.AnalysisTypesCompleted)

	require.Equal(t, store.ProcessCompleted, st.process.Status)
	require.Equal(t, st.process.TotalTasks,
		st.process.CompletedTasks+st.process.FailedTasks+st.process.ManualReviewTasks)
}

func TestOnTaskCompleted_DuplicateSubmissionSuppressed(t *testing.T) {
	set := testProfileSet("object_detection")
	reg := &fakeRegistry{jobs: []*registryclient.Job{testJob(1, "object_detection")}}
	st := newFakeProcessStore()

	o := newTestOrchestrator(reg, st, &fakeEnqueuer{}, set)
	o.acquireNextJob(context.Background())

	task := st.tasks[0]
	task.Status = store.TaskCompleted
	task.RawOutput = []byte(`{"tags":["cat"]}`)
	o.OnTaskCompleted(context.Background(), &task)
	o.OnTaskCompleted(context.Background(), &task)

	require.Len(t, reg.submissions, 1, "second submission attempt must be a no-op")
}

func TestOnTaskCompleted_ManualReviewNotSubmitted(t *testing.T) {
	// Spec scenario 3: a manual_review task never reaches the registry as
	// a completed submission, but is counted in the process totals.
	set := testProfileSet("object_detection")
	reg := &fakeRegistry{jobs: []*registryclient.Job{testJob(1, "object_detection")}}
	st := newFakeProcessStore()

	o := newTestOrchestrator(reg, st, &fakeEnqueuer{}, set)
	o.acquireNextJob(context.Background())
	drive(t, o, st, store.TaskManualReview)

	require.Empty(t, reg.submissions)
	require.Equal(t, 1, st.process.ManualReviewTasks)
	require.Len(t, reg.reports, 1, "the process-level report still goes out")
}

func TestCircuitBreaker_TripsOnceAndEmitsAudit(t *testing.T) {
	set := testProfileSet("object_detection")
	reg := &fakeRegistry{jobs: []*registryclient.Job{testJob(10, "object_detection")}}
	st := newFakeProcessStore()
	enq := &fakeEnqueuer{}

	o := New(Config{
		Registry:                reg,
		Store:                   st,
		Broker:                  enq,
		Profiles:                profiles.NewFromSet(set),
		Jobs:                    worker.NewJobIndex(),
		CircuitBreakerThreshold: 0.30,
		CircuitBreakerWindow:    10,
	}).WithLogger(logr.Discard())

	o.acquireNextJob(context.Background())

	// Fail 4 of 10 tasks: the 4th failure pushes the rate over 30%.
	for i := 0; i < 4; i++ {
		task := st.tasks[i]
		task.Status = store.TaskFailed
		o.OnTaskCompleted(context.Background(), &task)
	}

	trips := 0
	for _, kind := range st.audits {
		if kind == store.AuditKindCircuitBreakerTripped {
			trips++
		}
	}
	require.Equal(t, 1, trips, "the high-severity audit event fires exactly once")
	require.True(t, o.breakerFor(st.process.ID).Tripped())
}
