package worker

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/visionforge/visionforge/internal/imageprovider"
	"github.com/visionforge/visionforge/internal/registryclient"
)

// JobIndex caches the per-media and per-analysis-type external
// references a Job Orchestrator observed at job acquisition, keyed by
// process, so a Worker can resolve a Task's bare MediaID/AnalysisType
// back to fetchable URLs and the registry's analysis id without
// re-querying the external registry per task. Image download/caching
// itself is an external collaborator (spec §1); this is the minimal
// in-process glue the orchestrator and worker share for one job's
// lifetime.
type JobIndex struct {
	mu        sync.RWMutex
	media     map[uuid.UUID]map[string]imageprovider.Media
	analyses  map[uuid.UUID]map[string]registryclient.AnalysisRef
	projectID map[uuid.UUID]string
}

func NewJobIndex() *JobIndex {
	return &JobIndex{
		media:     make(map[uuid.UUID]map[string]imageprovider.Media),
		analyses:  make(map[uuid.UUID]map[string]registryclient.AnalysisRef),
		projectID: make(map[uuid.UUID]string),
	}
}

// Put records job's media and analysis references against processID.
func (idx *JobIndex) Put(processID uuid.UUID, projectID string, job *registryclient.Job) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	byMedia := make(map[string]imageprovider.Media, len(job.Media))
	for _, m := range job.Media {
		byMedia[m.ID] = imageprovider.Media{
			ID: m.ID, Filename: m.Filename, OptimisedPath: m.OptimisedPath, GreyscalePath: m.GreyscalePath,
		}
	}
	byAnalysis := make(map[string]registryclient.AnalysisRef, len(job.Analyses))
	for _, a := range job.Analyses {
		byAnalysis[a.Slug] = a
	}

	idx.media[processID] = byMedia
	idx.analyses[processID] = byAnalysis
	idx.projectID[processID] = projectID
}

// Media resolves a Task's MediaID to its fetchable descriptor.
func (idx *JobIndex) Media(processID uuid.UUID, mediaID string) (imageprovider.Media, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	byMedia, ok := idx.media[processID]
	if !ok {
		return imageprovider.Media{}, fmt.Errorf("worker: no job index for process %s", processID)
	}
	m, ok := byMedia[mediaID]
	if !ok {
		return imageprovider.Media{}, fmt.Errorf("worker: no media %q in process %s", mediaID, processID)
	}
	return m, nil
}

// Analysis resolves an analysis-type slug to the registry's external
// analysis reference, so a result submission can address the right
// /analysis/{analysisId} path.
func (idx *JobIndex) Analysis(processID uuid.UUID, slug string) (registryclient.AnalysisRef, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	byAnalysis, ok := idx.analyses[processID]
	if !ok {
		return registryclient.AnalysisRef{}, fmt.Errorf("worker: no job index for process %s", processID)
	}
	a, ok := byAnalysis[slug]
	if !ok {
		return registryclient.AnalysisRef{}, fmt.Errorf("worker: no analysis type %q in process %s", slug, processID)
	}
	return a, nil
}

// ProjectID returns the external project id a process was acquired for.
func (idx *JobIndex) ProjectID(processID uuid.UUID) (string, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	id, ok := idx.projectID[processID]
	if !ok {
		return "", fmt.Errorf("worker: no job index for process %s", processID)
	}
	return id, nil
}

// Forget releases a completed process's cached references.
func (idx *JobIndex) Forget(processID uuid.UUID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.media, processID)
	delete(idx.analyses, processID)
	delete(idx.projectID, processID)
}

// ImageLocks serializes vision-model calls per media id (spec §5:
// "analyses for one image are processed sequentially (one model call at
// a time per image) ... distinct images proceed in parallel"). One
// instance is shared by the whole worker pool; entries are refcounted so
// the map only ever holds media ids with a call in flight or waiting.
type ImageLocks struct {
	mu    sync.Mutex
	locks map[string]*imageLock
}

type imageLock struct {
	mu   sync.Mutex
	refs int
}

func NewImageLocks() *ImageLocks {
	return &ImageLocks{locks: make(map[string]*imageLock)}
}

// Lock acquires the per-image mutex for mediaID, blocking while another
// worker holds it, and returns the release func.
func (l *ImageLocks) Lock(mediaID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[mediaID]
	if !ok {
		entry = &imageLock{}
		l.locks[mediaID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, mediaID)
		}
		l.mu.Unlock()
	}
}
