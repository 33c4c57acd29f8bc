package profiles

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/visionforge/visionforge/internal/metrics"
)

// debounceWindow coalesces bursts of filesystem events (a profile reload
// is typically several files rewritten by a deploy tool in quick
// succession) into a single LoadDir call.
const debounceWindow = 250 * time.Millisecond

// Registry serves the currently-active ProfileSet and swaps it atomically
// on reload. Readers call Current(); it never blocks on a writer and
// never returns a partially-updated set, since ProfileSet is only ever
// replaced wholesale. Current is consulted at enqueue time, at reload diff
// time, and once when a worker starts a task; the worker keeps that
// snapshot for the task's whole run and never re-reads it mid-task.
type Registry struct {
	dir     string
	log     logr.Logger
	metrics *metrics.Metrics
	current atomic.Pointer[ProfileSet]

	reloadMu sync.Mutex // serializes Reload calls (watcher and admin API)

	mu          sync.Mutex
	subscribers []chan *ProfileSet
}

// NewRegistry loads root once synchronously and returns a Registry
// serving that initial snapshot. A load failure at startup is fatal
// (spec §4.A), so the caller should treat a non-nil error as fatal.
func NewRegistry(dir string, log logr.Logger) (*Registry, error) {
	set, err := LoadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("profiles.NewRegistry: initial load: %w", err)
	}
	r := &Registry{dir: dir, log: log.WithName("profiles"), metrics: metrics.Nop()}
	r.current.Store(set)
	return r, nil
}

// WithMetrics attaches the process's instrumentation surface.
func (r *Registry) WithMetrics(m *metrics.Metrics) *Registry {
	r.metrics = m
	m.ConfigGeneration.Set(float64(r.current.Load().Generation))
	return r
}

// NewFromSet builds a Registry serving set directly, with no backing
// directory and no reload capability — for callers (internal/worker's
// tests) that need a Registry but not the filesystem loader.
func NewFromSet(set *ProfileSet) *Registry {
	r := &Registry{log: logr.Discard(), metrics: metrics.Nop()}
	r.current.Store(set)
	return r
}

// Current returns the active ProfileSet. The returned value is immutable;
// callers must not mutate fields reachable from it.
func (r *Registry) Current() *ProfileSet {
	return r.current.Load()
}

// AnalysisProfile looks up the analysis profile for t in the currently
// active set (spec §4.A: "get_analysis_profile(type) → Profile | NotFound").
func (r *Registry) AnalysisProfile(t AnalysisType) (*AnalysisProfile, bool) {
	return r.Current().analysis(t)
}

// CorrectiveProfile looks up the (type, tier) corrective profile in the
// currently active set (spec §4.A: "get_corrective_profile(type, tier) →
// CorrectiveStage | NotFound").
func (r *Registry) CorrectiveProfile(t AnalysisType, tier Tier) (*CorrectiveStage, bool) {
	return r.Current().corrective(t, tier)
}

// Subscribe returns a channel that receives the new ProfileSet after every
// successful reload. The channel is buffered (size 1) and never closed;
// callers should select on ctx.Done() as well.
func (r *Registry) Subscribe() <-chan *ProfileSet {
	ch := make(chan *ProfileSet, 1)
	r.mu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.mu.Unlock()
	return ch
}

// Report summarizes the outcome of one Reload call (spec §4.A: "reload() →
// Report — re-reads, validates, and publishes; returns which profiles
// changed and which failed validation").
type Report struct {
	// Applied is true if the reload produced a different ProfileSet and
	// that set was swapped in as active. A reload that finds the
	// directory unchanged is not an error but also not Applied (spec §8:
	// "Configuration reload with no file changes produces a no-op report
	// and does not swap the active set").
	Applied bool

	// Generation is the active set's generation after this call, whether
	// or not this call itself applied a change.
	Generation uint64

	// Changed lists the analysis types whose AnalysisProfile or any of
	// its three CorrectiveStages differ from the previously active set.
	// Empty whenever Applied is false.
	Changed []AnalysisType

	// Failed holds the validation error when the reload was rejected; the
	// previously active set remains in effect.
	Failed string
}

// diffProfileSets returns the analysis types whose profile or corrective
// stages differ between prev and next. LoadDir always allocates fresh
// pointers, so pointer identity can't be used to detect a no-op reload;
// comparison is by value via reflect.DeepEqual.
func diffProfileSets(prev, next *ProfileSet) []AnalysisType {
	var changed []AnalysisType
	for _, t := range ClosedTypes {
		p, pOK := prev.analysis(t)
		n, nOK := next.analysis(t)
		if pOK != nOK || !reflect.DeepEqual(derefProfile(p), derefProfile(n)) {
			changed = append(changed, t)
			continue
		}

		stageChanged := false
		for _, tier := range Tiers {
			ps, psOK := prev.corrective(t, tier)
			ns, nsOK := next.corrective(t, tier)
			if psOK != nsOK || !reflect.DeepEqual(derefStage(ps), derefStage(ns)) {
				stageChanged = true
				break
			}
		}
		if stageChanged {
			changed = append(changed, t)
		}
	}
	return changed
}

func derefProfile(p *AnalysisProfile) AnalysisProfile {
	if p == nil {
		return AnalysisProfile{}
	}
	return *p
}

func derefStage(s *CorrectiveStage) CorrectiveStage {
	if s == nil {
		return CorrectiveStage{}
	}
	return *s
}

// Reload re-reads and re-validates the entire profile directory and, if
// any profile differs from the currently active set, atomically swaps the
// new set in. A failed reload leaves the previously active set untouched
// (spec §4.A: "An invalid profile document ... does not affect the active
// set"); a reload that finds nothing changed leaves it untouched too and
// reports Applied: false (spec §8).
func (r *Registry) Reload() (*Report, error) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	next, err := LoadDir(r.dir)
	if err != nil {
		r.log.Error(err, "profile reload rejected")
		r.metrics.ConfigReloadsTotal.WithLabelValues("failed").Inc()
		return &Report{Failed: err.Error(), Generation: r.current.Load().Generation}, err
	}

	prev := r.current.Load()
	changed := diffProfileSets(prev, next)
	if len(changed) == 0 {
		r.metrics.ConfigReloadsTotal.WithLabelValues("noop").Inc()
		return &Report{Generation: prev.Generation}, nil
	}

	next.Generation = prev.Generation + 1
	r.current.Store(next)
	r.metrics.ConfigReloadsTotal.WithLabelValues("applied").Inc()
	r.metrics.ConfigGeneration.Set(float64(next.Generation))
	r.log.Info("profile reload applied", "generation", next.Generation, "changed", changed)

	r.mu.Lock()
	subs := append([]chan *ProfileSet(nil), r.subscribers...)
	r.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- next:
		default:
			// Slow subscriber: drop the stale pending value and replace it,
			// since only the latest set ever matters to a reader.
			select {
			case <-ch:
			default:
			}
			ch <- next
		}
	}
	return &Report{Applied: true, Generation: next.Generation, Changed: changed}, nil
}

// Watch runs until ctx is cancelled, calling Reload whenever it observes a
// filesystem change under the profile directory, debounced by
// debounceWindow. Errors from individual reload attempts are logged, not
// returned, so one bad deploy doesn't take down the watch loop.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("profiles.Watch: %w", err)
	}
	defer watcher.Close()

	if err := addRecursive(watcher, r.dir); err != nil {
		return fmt.Errorf("profiles.Watch: %w", err)
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounceWindow)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			if _, err := r.Reload(); err != nil {
				r.log.Error(err, "debounced profile reload failed")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Error(err, "profile watcher error")
		}
	}
}

func addRecursive(w *fsnotify.Watcher, root string) error {
	return filepathWalkDirs(root, func(dir string) error {
		return w.Add(dir)
	})
}
