package orchestrator

import "sync"

// slidingWindowBreaker is the process-level circuit breaker (spec §4.E:
// "if aggregate task failure rate within a process exceeds 30% over a
// sliding window, the Orchestrator halts further enqueues for that
// process"). It is a plain ring-buffer counter, deliberately distinct
// from internal/breaker's sony/gobreaker-backed transport breaker: this
// one tracks task outcomes across a whole process, not request/response
// pairs on one HTTP client.
type slidingWindowBreaker struct {
	mu        sync.Mutex
	window    []bool
	size      int
	count     int
	idx       int
	failures  int
	threshold float64
	tripped   bool
}

func newSlidingWindowBreaker(size int, threshold float64) *slidingWindowBreaker {
	if size <= 0 {
		size = 100
	}
	return &slidingWindowBreaker{window: make([]bool, size), size: size, threshold: threshold}
}

// Record registers one task outcome and returns true the instant this
// call is what pushed the failure rate over threshold (so the caller
// emits the high-severity audit event exactly once).
func (b *slidingWindowBreaker) Record(failed bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tripped {
		return false
	}

	if b.count == b.size {
		if b.window[b.idx] {
			b.failures--
		}
	} else {
		b.count++
	}
	b.window[b.idx] = failed
	if failed {
		b.failures++
	}
	b.idx = (b.idx + 1) % b.size

	// Rate is taken against the full window capacity, not the observed
	// count, so a lone failure among the first few outcomes of a large
	// process cannot trip the breaker: a 100-wide window at a 0.30
	// threshold fires on the 31st failure, not the 1st.
	if float64(b.failures)/float64(b.size) > b.threshold {
		b.tripped = true
		return true
	}
	return false
}

// Tripped reports whether this process's breaker has already fired.
func (b *slidingWindowBreaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}
