// Package store implements the State Store (spec §4.B): durable,
// transactional persistence for Processes, Tasks, QAAttempts, and
// AuditEvents, with CAS task transitions and a lease-expiry reaper.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/visionforge/visionforge/internal/metrics"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a Postgres connection pool behind the State Store's
// operation set. All methods are safe for concurrent use.
type Store struct {
	db      *sqlx.DB
	log     logr.Logger
	metrics *metrics.Metrics
}

// Open connects to dsn, applies any pending goose migrations, and returns
// a ready Store. A connection or migration failure here is fatal at
// startup, matching the teacher's schema-version check on Open.
func Open(ctx context.Context, dsn string, log logr.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, wrapf("store.Open: connect", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, wrapf("store.Open: goose dialect", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return nil, wrapf("store.Open: migrate", err)
	}

	return &Store{db: db, log: log.WithName("store"), metrics: metrics.Nop()}, nil
}

// WithMetrics attaches the process's instrumentation surface.
func (s *Store) WithMetrics(m *metrics.Metrics) *Store {
	s.metrics = m
	return s
}

// timeOp returns a deferred-callable observing one operation's latency.
func (s *Store) timeOp(op string) func() {
	start := time.Now()
	return func() {
		s.metrics.StoreOpLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// nextSequence returns the next audit sequence number for a process and
// increments it, within tx, so sequence allocation and the event insert
// are atomic (spec §3 invariant 6: "total per process").
func nextSequence(ctx context.Context, tx *sqlx.Tx, processID uuid.UUID) (int64, error) {
	var seq int64
	err := tx.GetContext(ctx, &seq,
		`UPDATE processes SET audit_sequence = audit_sequence + 1 WHERE id = $1 RETURNING audit_sequence`,
		processID)
	return seq, err
}

func insertAudit(ctx context.Context, tx *sqlx.Tx, processID uuid.UUID, taskID *uuid.UUID, kind string, payload any, correlationID string) error {
	seq, err := nextSequence(ctx, tx, processID)
	if err != nil {
		return wrapf("insertAudit: sequence", err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return wrapf("insertAudit: marshal payload", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events (id, process_id, task_id, sequence, kind, payload, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), processID, taskID, seq, kind, raw, correlationID)
	return wrapf("insertAudit: insert", err)
}

// CreateProcess inserts a new Process row and its creation audit event in
// one transaction.
func (s *Store) CreateProcess(ctx context.Context, ext ExternalIDs, configGeneration uint64, configSnapshot []byte) (*Process, error) {
	defer s.timeOp("create_process")()
	p := &Process{
		ID:               uuid.New(),
		ExternalIDs:      ext,
		Status:           ProcessInitializing,
		ConfigGeneration: configGeneration,
		ConfigSnapshot:   configSnapshot,
		CreatedAt:        time.Now().UTC(),
	}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO processes (id, client_id, client_slug, client_name, project_id, project_slug, project_name,
			                        status, config_generation, config_snapshot, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			p.ID, ext.ClientID, ext.ClientSlug, ext.ClientName, ext.ProjectID, ext.ProjectSlug, ext.ProjectName,
			p.Status, configGeneration, configSnapshot, p.CreatedAt)
		if err != nil {
			return wrapf("CreateProcess: insert", err)
		}
		return insertAudit(ctx, tx, p.ID, nil, AuditKindProcessCreated, map[string]any{
			"client_id": ext.ClientID, "project_id": ext.ProjectID,
		}, "")
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// CreateTasks inserts every task in tasks, plus the process's total_tasks
// counter update, in a single transaction (spec §4.B).
func (s *Store) CreateTasks(ctx context.Context, processID uuid.UUID, tasks []NewTask) ([]Task, error) {
	defer s.timeOp("create_tasks")()
	now := time.Now().UTC()
	var out []Task

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		out = make([]Task, 0, len(tasks))
		for _, nt := range tasks {
			t := Task{
				ID:               nt.ID,
				ProcessID:        processID,
				MediaID:          nt.MediaID,
				AnalysisType:     nt.AnalysisType,
				ProfileVersion:   nt.ProfileVersion,
				QueueKey:         nt.QueueKey,
				Status:           TaskPending,
				QAAttemptsByTier: TierCounts{},
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			qaJSON, err := json.Marshal(t.QAAttemptsByTier)
			if err != nil {
				return wrapf("CreateTasks: marshal qa_attempts_by_tier", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO tasks (id, process_id, media_id, analysis_type, profile_version, queue_key,
				                   status, qa_attempts_by_tier, created_at, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
				t.ID, t.ProcessID, t.MediaID, string(t.AnalysisType), t.ProfileVersion, t.QueueKey,
				t.Status, qaJSON, t.CreatedAt, t.UpdatedAt)
			if err != nil {
				return wrapf("CreateTasks: insert task", err)
			}
			out = append(out, t)
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE processes SET total_tasks = total_tasks + $1 WHERE id = $2`, len(tasks), processID)
		return wrapf("CreateTasks: update total_tasks", err)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LeaseTask atomically transitions a task from pending to running,
// stamping the leasing worker and lease deadline (spec §4.B). It returns
// ErrCASMismatch if the task is not currently pending, and ErrNotFound if
// no such task exists.
func (s *Store) LeaseTask(ctx context.Context, taskID uuid.UUID, workerID string, leaseTTL time.Duration) (*Task, error) {
	defer s.timeOp("lease_task")()
	deadline := time.Now().UTC().Add(leaseTTL)
	var task Task
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = $1, lease_worker_id = $2, lease_deadline = $3, updated_at = now()
			WHERE id = $4 AND status = $5`,
			TaskRunning, workerID, deadline, taskID, TaskPending)
		if err != nil {
			return wrapf("LeaseTask: update", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return wrapf("LeaseTask: rows affected", err)
		}
		if n == 0 {
			exists, err := taskExists(ctx, tx, taskID)
			if err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return ErrCASMismatch
		}

		if err := tx.GetContext(ctx, &task, taskSelect+` WHERE id = $1`, taskID); err != nil {
			return wrapf("LeaseTask: reload", err)
		}
		return insertAudit(ctx, tx, task.ProcessID, &taskID, AuditKindTaskLeased,
			map[string]any{"worker_id": workerID, "deadline": deadline}, "")
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// RenewLease extends a held lease without changing status. Used by
// long-running model calls that approach their TTL.
func (s *Store) RenewLease(ctx context.Context, taskID uuid.UUID, workerID string, leaseTTL time.Duration) error {
	deadline := time.Now().UTC().Add(leaseTTL)
	return s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET lease_deadline = $1, updated_at = now()
			WHERE id = $2 AND lease_worker_id = $3 AND status IN ($4, $5)`,
			deadline, taskID, workerID, TaskRunning, TaskAwaitingQA)
		if err != nil {
			return wrapf("RenewLease", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return wrapf("RenewLease: rows affected", err)
		}
		if n == 0 {
			return ErrCASMismatch
		}
		return nil
	})
}

// ReleaseLease clears a held lease and sets the task to newStatus,
// regardless of the task's current status, provided workerID still holds
// the lease; otherwise it returns ErrCASMismatch.
func (s *Store) ReleaseLease(ctx context.Context, taskID uuid.UUID, workerID string, newStatus TaskStatus) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = $1, lease_worker_id = '', lease_deadline = NULL, updated_at = now()
			WHERE id = $2 AND lease_worker_id = $3`,
			newStatus, taskID, workerID)
		if err != nil {
			return wrapf("ReleaseLease", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return wrapf("ReleaseLease: rows affected", err)
		}
		if n == 0 {
			return ErrCASMismatch
		}
		return nil
	})
}

// TransitionTask performs a CAS transition from `from` to `to`, optionally
// updating raw output / error / confidence fields, and appends an audit
// event in the same transaction (spec §4.B). It returns (false, nil) if
// the row's current status was not `from` — a no-op, not an error (spec
// §8: "A CAS transition is a no-op iff the current status is not A").
func (s *Store) TransitionTask(ctx context.Context, taskID uuid.UUID, from, to TaskStatus, fields TaskTransitionFields, correlationID string) (bool, error) {
	defer s.timeOp("transition_task")()
	var ok bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var processID uuid.UUID
		if err := tx.GetContext(ctx, &processID, `SELECT process_id FROM tasks WHERE id = $1`, taskID); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return wrapf("TransitionTask: lookup process", err)
		}

		args := []any{to, taskID, from}
		setClauses := "status = $1, updated_at = now()"
		argIdx := 4
		if fields.RawOutput != nil {
			setClauses += fmtPlaceholder("raw_output", &argIdx)
			args = append(args, fields.RawOutput)
		}
		if fields.RawOutputPath != "" {
			setClauses += fmtPlaceholder("raw_output_path", &argIdx)
			args = append(args, fields.RawOutputPath)
		}
		if fields.LastError != "" {
			setClauses += fmtPlaceholder("last_error", &argIdx)
			args = append(args, fields.LastError)
		}
		if fields.Confidence != nil {
			setClauses += fmtPlaceholder("confidence", &argIdx)
			args = append(args, *fields.Confidence)
		}
		if fields.ModelUsed != "" {
			setClauses += fmtPlaceholder("model_used", &argIdx)
			args = append(args, fields.ModelUsed)
		}
		if fields.SystemPromptUsed != "" {
			setClauses += fmtPlaceholder("system_prompt_used", &argIdx)
			args = append(args, fields.SystemPromptUsed)
		}
		if fields.UserPromptUsed != "" {
			setClauses += fmtPlaceholder("user_prompt_used", &argIdx)
			args = append(args, fields.UserPromptUsed)
		}

		query := `UPDATE tasks SET ` + setClauses + ` WHERE id = $2 AND status = $3`
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return wrapf("TransitionTask: update", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return wrapf("TransitionTask: rows affected", err)
		}
		if n == 0 {
			ok = false
			return nil
		}
		ok = true
		return insertAudit(ctx, tx, processID, &taskID, AuditKindTaskTransitioned,
			map[string]any{"from": from, "to": to}, correlationID)
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func fmtPlaceholder(col string, idx *int) string {
	s := ", " + col + " = $" + itoa(*idx)
	*idx++
	return s
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// RecordQAAttempt inserts an append-only QAAttempt row. It rejects a 4th
// attempt for the same (task, tier) with ErrQAAttemptLimitReached and
// bumps the task's qa_attempts_by_tier counter in the same transaction
// (spec §3 invariant 4).
func (s *Store) RecordQAAttempt(ctx context.Context, a QAAttempt) error {
	defer s.timeOp("record_qa_attempt")()
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var count int
		if err := tx.GetContext(ctx, &count,
			`SELECT count(*) FROM qa_attempts WHERE task_id = $1 AND tier = $2`, a.TaskID, a.Tier); err != nil {
			return wrapf("RecordQAAttempt: count", err)
		}
		if count >= 3 {
			return ErrQAAttemptLimitReached
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO qa_attempts (id, task_id, tier, attempt_index, outcome, failure_categories,
			                          corrective_profile_version, agent_confidence, duration_ms)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			a.ID, a.TaskID, a.Tier, a.AttemptIndex, a.Outcome, pq.Array(a.FailureCategories),
			a.CorrectiveProfileVersion, a.AgentConfidence, a.Duration.Milliseconds())
		if err != nil {
			return wrapf("RecordQAAttempt: insert", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET qa_attempts_by_tier = jsonb_set(
				qa_attempts_by_tier, $1, to_jsonb(($2)::int), true
			), updated_at = now() WHERE id = $3`,
			pq.Array([]string{string(a.Tier)}), count+1, a.TaskID)
		if err != nil {
			return wrapf("RecordQAAttempt: bump counter", err)
		}

		var processID uuid.UUID
		if err := tx.GetContext(ctx, &processID, `SELECT process_id FROM tasks WHERE id = $1`, a.TaskID); err != nil {
			return wrapf("RecordQAAttempt: lookup process", err)
		}
		return insertAudit(ctx, tx, processID, &a.TaskID, AuditKindQAAttemptRecorded,
			map[string]any{"tier": a.Tier, "attempt": a.AttemptIndex, "outcome": a.Outcome}, "")
	})
}

// UpdateProcessCounters atomically adds deltas to a Process's counters.
// It does not change the process status; CompleteProcess does that.
func (s *Store) UpdateProcessCounters(ctx context.Context, processID uuid.UUID, deltas ProcessCounterDeltas) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE processes
			SET completed_tasks = completed_tasks + $1,
			    failed_tasks = failed_tasks + $2,
			    manual_review_tasks = manual_review_tasks + $3
			WHERE id = $4`,
			deltas.Completed, deltas.Failed, deltas.ManualReview, processID)
		return wrapf("UpdateProcessCounters", err)
	})
}

// MarkStatusSubmitted records that status has been PUT to the registry
// for processID, returning (false, nil) if that exact status was already
// recorded (spec §4.F: "one 'processing' status update ... one
// 'completed' status update"). A different status than the one last
// recorded always proceeds.
func (s *Store) MarkStatusSubmitted(ctx context.Context, processID uuid.UUID, status ProcessStatus) (bool, error) {
	var ok bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var current string
		if err := tx.GetContext(ctx, &current, `SELECT registry_status_submitted FROM processes WHERE id = $1 FOR UPDATE`, processID); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return wrapf("MarkStatusSubmitted: lookup", err)
		}
		if current == string(status) {
			ok = false
			return nil
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE processes SET registry_status_submitted = $1 WHERE id = $2`, status, processID)
		if err != nil {
			return wrapf("MarkStatusSubmitted: update", err)
		}
		ok = true
		return insertAudit(ctx, tx, processID, nil, AuditKindProcessStatusChanged, map[string]any{"status": status}, "")
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// CompleteProcess transitions a Process to completed, stamping
// completed_at, and appends the closing audit event in the same
// transaction (spec §4.F on_process_complete).
func (s *Store) CompleteProcess(ctx context.Context, processID uuid.UUID) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE processes SET status = $1, completed_at = $2 WHERE id = $3`, ProcessCompleted, now, processID)
		if err != nil {
			return wrapf("CompleteProcess: update", err)
		}
		return insertAudit(ctx, tx, processID, nil, AuditKindProcessCompleted, nil, "")
	})
}

// ListTasksByProcess loads every Task belonging to processID, used by the
// orchestrator to assemble the final process report (spec §4.F
// on_process_complete, spec §6 report "details").
func (s *Store) ListTasksByProcess(ctx context.Context, processID uuid.UUID) ([]Task, error) {
	var tasks []Task
	err := s.withRetry(ctx, func(ctx context.Context) error {
		tasks = nil
		if err := s.db.SelectContext(ctx, &tasks, taskSelect+` WHERE process_id = $1 ORDER BY created_at`, processID); err != nil {
			return wrapf("ListTasksByProcess", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// EmitAudit inserts a standalone audit event outside of any other
// transaction (e.g. circuit-breaker trips raised by the orchestrator,
// which are not tied to a single task mutation).
func (s *Store) EmitAudit(ctx context.Context, processID uuid.UUID, taskID *uuid.UUID, kind string, payload any, correlationID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return insertAudit(ctx, tx, processID, taskID, kind, payload, correlationID)
	})
}

// ReclaimExpired flips up to limit tasks whose lease deadline has passed
// back to pending, bumping their qa attempt bookkeeping is NOT performed
// here (the worker's own retry counters own that); this only reclaims
// possession and emits one audit event per reclaimed task (spec §4.B).
func (s *Store) ReclaimExpired(ctx context.Context, limit int) (int, error) {
	defer s.timeOp("reclaim_expired")()
	var reclaimed []struct {
		ID        uuid.UUID `db:"id"`
		ProcessID uuid.UUID `db:"process_id"`
	}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		reclaimed = nil
		rows, err := tx.QueryxContext(ctx, `
			UPDATE tasks SET status = $1, lease_worker_id = '', lease_deadline = NULL, updated_at = now()
			WHERE id IN (
				SELECT id FROM tasks
				WHERE status IN ($2, $3) AND lease_deadline IS NOT NULL AND lease_deadline < now()
				ORDER BY lease_deadline
				LIMIT $4
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, process_id`,
			TaskPending, TaskRunning, TaskAwaitingQA, limit)
		if err != nil {
			return wrapf("ReclaimExpired: update", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				ID        uuid.UUID `db:"id"`
				ProcessID uuid.UUID `db:"process_id"`
			}
			if err := rows.StructScan(&r); err != nil {
				return wrapf("ReclaimExpired: scan", err)
			}
			reclaimed = append(reclaimed, r)
		}
		for _, r := range reclaimed {
			id := r.ID
			if err := insertAudit(ctx, tx, r.ProcessID, &id, AuditKindTaskReclaimed, nil, ""); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.metrics.LeaseReclaimsTotal.Add(float64(len(reclaimed)))
	return len(reclaimed), nil
}

// GetTask loads a Task by id.
func (s *Store) GetTask(ctx context.Context, taskID uuid.UUID) (*Task, error) {
	var t Task
	err := s.withRetry(ctx, func(ctx context.Context) error {
		err := s.db.GetContext(ctx, &t, taskSelect+` WHERE id = $1`, taskID)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return wrapf("GetTask", err)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetProcess loads a Process by id.
func (s *Store) GetProcess(ctx context.Context, processID uuid.UUID) (*Process, error) {
	var p Process
	err := s.withRetry(ctx, func(ctx context.Context) error {
		err := s.db.GetContext(ctx, &p, processSelect+` WHERE id = $1`, processID)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return wrapf("GetProcess", err)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// MarkSubmitted records that a task's analysis result has been submitted
// to the registry, returning ErrDuplicateSubmission if it already had
// been (spec §8: idempotent result submission).
func (s *Store) MarkSubmitted(ctx context.Context, taskID uuid.UUID) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE tasks SET submitted_to_registry = true WHERE id = $1 AND submitted_to_registry = false`, taskID)
		if err != nil {
			return wrapf("MarkSubmitted", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return wrapf("MarkSubmitted: rows affected", err)
		}
		if n == 0 {
			return ErrDuplicateSubmission
		}
		return nil
	})
}

// RequestCancel raises a process's cooperative cancel flag (spec §5: "A
// Process can be cancelled externally; cancellation is cooperative") and
// immediately fails every still-pending task in the same transaction,
// returning how many were swept. In-flight tasks are left alone — their
// workers observe the flag via CancelRequested between steps. A pending
// task swept here is never dispatched: when its queue entry surfaces, the
// dequeuing worker's LeaseTask CAS misses (the task is no longer
// pending) and the worker acks the entry away, which is how "tasks not
// yet leased are removed from their queues" is realized without a
// queue-side scan.
func (s *Store) RequestCancel(ctx context.Context, processID uuid.UUID) (int, error) {
	defer s.timeOp("request_cancel")()
	var swept []uuid.UUID
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		swept = nil
		res, err := tx.ExecContext(ctx,
			`UPDATE processes SET cancel_requested = true WHERE id = $1 AND cancel_requested = false`, processID)
		if err != nil {
			return wrapf("RequestCancel: flag", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return wrapf("RequestCancel: rows affected", err)
		}
		if n == 0 {
			var exists int
			if err := tx.GetContext(ctx, &exists, `SELECT count(*) FROM processes WHERE id = $1`, processID); err != nil {
				return wrapf("RequestCancel: exists", err)
			}
			if exists == 0 {
				return ErrNotFound
			}
			return nil // already requested; idempotent
		}

		rows, err := tx.QueryxContext(ctx, `
			UPDATE tasks SET status = $1, last_error = 'process cancelled', updated_at = now()
			WHERE process_id = $2 AND status = $3
			RETURNING id`,
			TaskFailed, processID, TaskPending)
		if err != nil {
			return wrapf("RequestCancel: sweep pending", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return wrapf("RequestCancel: scan", err)
			}
			swept = append(swept, id)
		}

		if len(swept) > 0 {
			_, err = tx.ExecContext(ctx,
				`UPDATE processes SET failed_tasks = failed_tasks + $1 WHERE id = $2`, len(swept), processID)
			if err != nil {
				return wrapf("RequestCancel: bump failed counter", err)
			}
		}

		for _, id := range swept {
			id := id
			if err := insertAudit(ctx, tx, processID, &id, AuditKindTaskCancelled, nil, ""); err != nil {
				return err
			}
		}
		return insertAudit(ctx, tx, processID, nil, AuditKindCancelRequested,
			map[string]any{"pending_swept": len(swept)}, "")
	})
	if err != nil {
		return 0, err
	}
	return len(swept), nil
}

// CancelRequested reports whether a process's cancel flag is raised; the
// worker's per-step cooperative check (spec §5: "check a cancel flag
// before the next step").
func (s *Store) CancelRequested(ctx context.Context, processID uuid.UUID) (bool, error) {
	var cancelled bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		err := s.db.GetContext(ctx, &cancelled,
			`SELECT cancel_requested FROM processes WHERE id = $1`, processID)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return wrapf("CancelRequested", err)
	})
	if err != nil {
		return false, err
	}
	return cancelled, nil
}

func taskExists(ctx context.Context, tx *sqlx.Tx, taskID uuid.UUID) (bool, error) {
	var n int
	if err := tx.GetContext(ctx, &n, `SELECT count(*) FROM tasks WHERE id = $1`, taskID); err != nil {
		return false, wrapf("taskExists", err)
	}
	return n > 0, nil
}

// withTx runs fn in a transaction under the store's connection-level
// retry budget. A transient failure rolls the attempt back and retries
// the whole transaction, so fn must reset any state it accumulates at
// its own top.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return wrapf("withTx: begin", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return wrapf("withTx: commit", err)
		}
		return nil
	})
}

const taskSelect = `SELECT id, process_id, media_id, analysis_type, profile_version, queue_key, status,
	qa_attempts_by_tier, confidence, last_error, raw_output_path, raw_output, model_used, system_prompt_used,
	user_prompt_used, lease_worker_id, lease_deadline, submitted_to_registry, created_at, updated_at FROM tasks`

const processSelect = `SELECT id, client_id, client_slug, client_name, project_id, project_slug, project_name,
	status, total_tasks, completed_tasks, failed_tasks, manual_review_tasks, config_generation, config_snapshot,
	registry_status_submitted, cancel_requested, created_at, completed_at FROM processes`
