// Package queue implements the Task Queue Broker (spec §4.C): 21
// analysis-type queues, 3 corrective (per-tier) queues, and 3 management
// queues, each a bounded, priority-then-FIFO peek-and-lease queue backed
// by a single bbolt file.
//
// Schema (bbolt bucket layout), generalized from the teacher's ledger
// bucket design to a queue-per-key layout:
//
//	/queue:<key>
//	    key:   "<priority-rank>:<zero-padded sequence>"  [sortable]
//	    value: JSON-encoded queueEntry
//
//	/inflight:<key>
//	    key:   task_id
//	    value: JSON-encoded inflightEntry (original entry + lease deadline)
//
//	/index:<key>
//	    key:   task_id
//	    value: "1"   (presence marker; enforces idempotent enqueue)
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/visionforge/visionforge/internal/metrics"
)

const SchemaVersion = "1"

const (
	bucketMeta = "meta"
)

// Priority is a queue entry's dispatch priority; higher-priority entries
// are drained before lower-priority ones within the same queue (spec
// §4.C, §5).
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

// DefaultMaxDepth bounds every queue unless overridden (spec §4.C:
// "bounded FIFOs with per-queue depth limits").
const DefaultMaxDepth = 2000

type queueEntry struct {
	TaskID     uuid.UUID `json:"task_id"`
	Priority   Priority  `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Seq        int64     `json:"seq"`
}

type inflightEntry struct {
	Entry    queueEntry `json:"entry"`
	WorkerID string     `json:"worker_id"`
	Deadline time.Time  `json:"deadline"`
}

// LeasedItem is returned by Dequeue: a task reference the caller now
// holds exclusively until it calls Ack or the lease expires and the
// reaper requeues it.
type LeasedItem struct {
	TaskID   uuid.UUID
	Priority Priority
}

// Broker is a bbolt-backed multi-queue broker. All methods are safe for
// concurrent use.
type Broker struct {
	db      *bolt.DB
	metrics *metrics.Metrics

	mu       sync.Mutex
	seq      map[string]int64 // per-queue monotonic sequence counter, head-requeue uses negative values
	headSeq  map[string]int64
	notEmpty map[string]*sync.Cond
	maxDepth map[string]int
}

// Open opens (or creates) the bbolt file at path, ready to serve the
// given set of queue keys with the given per-key depth limits (callers
// pass DefaultMaxDepth for unlisted keys).
func Open(path string, maxDepth map[string]int) (*Broker, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("queue.Open(%q): %w", path, err)
	}

	if maxDepth == nil {
		maxDepth = make(map[string]int)
	}
	b := &Broker{
		db:       db,
		metrics:  metrics.Nop(),
		seq:      make(map[string]int64),
		headSeq:  make(map[string]int64),
		notEmpty: make(map[string]*sync.Cond),
		maxDepth: maxDepth,
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketMeta)); err != nil {
			return err
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue.Open: init meta: %w", err)
	}

	for _, key := range AllKeys() {
		if err := b.ensureBuckets(key); err != nil {
			_ = db.Close()
			return nil, err
		}
		if err := b.restoreSequence(key); err != nil {
			_ = db.Close()
			return nil, err
		}
		b.notEmpty[key] = sync.NewCond(&b.mu)
	}

	return b, nil
}

// WithMetrics attaches the process's instrumentation surface.
func (b *Broker) WithMetrics(m *metrics.Metrics) *Broker {
	b.metrics = m
	return b
}

func (b *Broker) Close() error { return b.db.Close() }

func (b *Broker) ensureBuckets(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{queueBucket(key), inflightBucket(key), indexBucket(key)} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		return nil
	})
}

func (b *Broker) restoreSequence(key string) error {
	return b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(queueBucket(key)))
		c := bucket.Cursor()
		var maxSeq, minSeq int64
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e queueEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("restoreSequence(%s): %w", key, err)
			}
			if e.Seq > maxSeq {
				maxSeq = e.Seq
			}
			if e.Seq < minSeq {
				minSeq = e.Seq
			}
		}
		b.seq[key] = maxSeq
		b.headSeq[key] = minSeq
		return nil
	})
}

func queueBucket(key string) string    { return "queue:" + key }
func inflightBucket(key string) string { return "inflight:" + key }
func indexBucket(key string) string    { return "index:" + key }

func entryKeyBytes(priority Priority, seq int64) []byte {
	// Negative seq (head-requeue) sorts before positive seq at the same
	// priority because "-" < digits in byte order only if we zero-pad with
	// a fixed width and a sign byte; we instead bias all sequences into an
	// unsigned space so ordering is a plain byte-lexicographic sort.
	const bias = int64(1) << 62
	return []byte(fmt.Sprintf("%d:%020d", priority, seq+bias))
}

func (b *Broker) depthLimit(key string) int {
	if n, ok := b.maxDepth[key]; ok {
		return n
	}
	return DefaultMaxDepth
}

// Enqueue adds task to the named queue at the given priority. It blocks
// until space is available or ctx is cancelled (spec §4.C: "Backpressure
// ... blocks producers ... no drops"). It is a no-op, returning nil, if
// (task_id, queue_key) is already enqueued or inflight (spec §8:
// idempotent enqueue).
func (b *Broker) Enqueue(ctx context.Context, queueKey string, taskID uuid.UUID, priority Priority) error {
	b.mu.Lock()
	for {
		depth, err := b.depthLocked(queueKey)
		if err != nil {
			b.mu.Unlock()
			return err
		}
		if depth < b.depthLimit(queueKey) {
			break
		}
		if waitErr := condWaitCtx(ctx, b.notEmpty[queueKey]); waitErr != nil {
			b.mu.Unlock()
			return waitErr
		}
	}
	defer b.mu.Unlock()

	already, err := b.alreadyTrackedLocked(queueKey, taskID)
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	b.seq[queueKey]++
	entry := queueEntry{TaskID: taskID, Priority: priority, EnqueuedAt: time.Now().UTC(), Seq: b.seq[queueKey]}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("queue.Enqueue: marshal: %w", err)
	}

	err = b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(queueBucket(queueKey))).Put(entryKeyBytes(priority, entry.Seq), raw); err != nil {
			return err
		}
		return tx.Bucket([]byte(indexBucket(queueKey))).Put(taskID[:], []byte("1"))
	})
	if err != nil {
		return fmt.Errorf("queue.Enqueue(%s): %w", queueKey, err)
	}

	b.metrics.EnqueueTotal.WithLabelValues(queueKey).Inc()
	b.metrics.QueueDepth.WithLabelValues(queueKey).Inc()
	b.notEmpty[queueKey].Broadcast()
	return nil
}

func (b *Broker) depthLocked(queueKey string) (int, error) {
	var n int
	err := b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(queueBucket(queueKey))).Stats().KeyN
		return nil
	})
	return n, err
}

func (b *Broker) alreadyTrackedLocked(queueKey string, taskID uuid.UUID) (bool, error) {
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(indexBucket(queueKey))).Get(taskID[:]) != nil {
			found = true
			return nil
		}
		if tx.Bucket([]byte(inflightBucket(queueKey))).Get(taskID[:]) != nil {
			found = true
		}
		return nil
	})
	return found, err
}

// Depth returns the number of items currently queued (not inflight).
func (b *Broker) Depth(queueKey string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.depthLocked(queueKey)
}

// Dequeue performs a peek-and-lease: it removes the head entry from the
// queue and places it in the inflight set with the given lease duration,
// returning it. It blocks up to waitFor for an entry to become available,
// returning (nil, nil) on timeout (spec §4.C).
func (b *Broker) Dequeue(ctx context.Context, queueKey string, workerID string, leaseDuration, waitFor time.Duration) (*LeasedItem, error) {
	deadline := time.Now().Add(waitFor)
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		entry, key, err := b.peekHeadLocked(queueKey)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			if err := b.leaseLocked(queueKey, key, *entry, workerID, leaseDuration); err != nil {
				return nil, err
			}
			b.metrics.DequeueTotal.WithLabelValues(queueKey).Inc()
			b.metrics.QueueDepth.WithLabelValues(queueKey).Dec()
			return &LeasedItem{TaskID: entry.TaskID, Priority: entry.Priority}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if err := condWaitTimeoutCtx(ctx, b.notEmpty[queueKey], remaining); err != nil {
			if err == errCondTimeout {
				return nil, nil
			}
			return nil, err
		}
	}
}

func (b *Broker) peekHeadLocked(queueKey string) (*queueEntry, []byte, error) {
	var entry *queueEntry
	var key []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(queueBucket(queueKey))).Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		var e queueEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		entry = &e
		key = append([]byte(nil), k...)
		return nil
	})
	return entry, key, err
}

func (b *Broker) leaseLocked(queueKey string, entryKey []byte, entry queueEntry, workerID string, leaseDuration time.Duration) error {
	inflight := inflightEntry{Entry: entry, WorkerID: workerID, Deadline: time.Now().Add(leaseDuration)}
	raw, err := json.Marshal(inflight)
	if err != nil {
		return fmt.Errorf("queue.Dequeue: marshal inflight: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(queueBucket(queueKey))).Delete(entryKey); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(indexBucket(queueKey))).Delete(entry.TaskID[:]); err != nil {
			return err
		}
		return tx.Bucket([]byte(inflightBucket(queueKey))).Put(entry.TaskID[:], raw)
	})
}

// Ack removes taskID from the inflight set, completing the peek-and-lease
// cycle. Acking an item already acked (or never leased) is a no-op.
func (b *Broker) Ack(queueKey string, taskID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(inflightBucket(queueKey))).Delete(taskID[:])
	})
	if err != nil {
		return fmt.Errorf("queue.Ack(%s): %w", queueKey, err)
	}
	b.notEmpty[queueKey].Broadcast() // a capacity slot just freed
	return nil
}

// ReclaimExpiredInflight requeues, at the head of its queue, every
// inflight item whose lease deadline has passed, across all queues. It is
// intended to be called periodically (spec §4.C `reclaim_inflight`,
// delegated here from the State Store's task-level reaper which owns the
// authoritative status).
func (b *Broker) ReclaimExpiredInflight() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	now := time.Now()
	for _, key := range AllKeys() {
		var expired []inflightEntry
		err := b.db.View(func(tx *bolt.Tx) error {
			c := tx.Bucket([]byte(inflightBucket(key))).Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var ie inflightEntry
				if err := json.Unmarshal(v, &ie); err != nil {
					return err
				}
				if ie.Deadline.Before(now) {
					expired = append(expired, ie)
				}
			}
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("queue.ReclaimExpiredInflight(%s): %w", key, err)
		}

		sort.Slice(expired, func(i, j int) bool { return expired[i].Deadline.Before(expired[j].Deadline) })

		for _, ie := range expired {
			b.headSeq[key]--
			entry := ie.Entry
			entry.Seq = b.headSeq[key]
			raw, err := json.Marshal(entry)
			if err != nil {
				return total, fmt.Errorf("queue.ReclaimExpiredInflight: marshal: %w", err)
			}
			err = b.db.Update(func(tx *bolt.Tx) error {
				if err := tx.Bucket([]byte(inflightBucket(key))).Delete(entry.TaskID[:]); err != nil {
					return err
				}
				if err := tx.Bucket([]byte(queueBucket(key))).Put(entryKeyBytes(entry.Priority, entry.Seq), raw); err != nil {
					return err
				}
				return tx.Bucket([]byte(indexBucket(key))).Put(entry.TaskID[:], []byte("1"))
			})
			if err != nil {
				return total, fmt.Errorf("queue.ReclaimExpiredInflight(%s): %w", key, err)
			}
			b.metrics.RequeuedTotal.Inc()
			b.metrics.QueueDepth.WithLabelValues(key).Inc()
			total++
		}
		if len(expired) > 0 {
			b.notEmpty[key].Broadcast()
		}
	}
	return total, nil
}
