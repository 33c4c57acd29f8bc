package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/visionforge/visionforge/internal/metrics"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	db := sqlx.NewDb(mockDB, "sqlmock")
	return &Store{db: db, log: logr.Discard(), metrics: metrics.Nop()}, mock
}

func TestCreateProcess_InsertsRowAndAuditEvent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO processes").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE processes SET audit_sequence").
		WillReturnRows(sqlmock.NewRows([]string{"audit_sequence"}).AddRow(int64(1)))
	mock.ExpectExec("INSERT INTO audit_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p, err := s.CreateProcess(context.Background(), ExternalIDs{
		ClientID: "c1", ProjectID: "p1",
	}, 1, []byte(`{}`))
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	if p.Status != ProcessInitializing {
		t.Fatalf("status = %s, want initializing", p.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateProcess_RollsBackOnInsertFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO processes").WillReturnError(errPlaceholder)
	mock.ExpectRollback()

	_, err := s.CreateProcess(context.Background(), ExternalIDs{}, 1, []byte(`{}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLeaseTask_CASMismatchWhenNotPending(t *testing.T) {
	s, mock := newMockStore(t)
	taskID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE tasks SET status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM tasks WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	_, err := s.LeaseTask(context.Background(), taskID, "worker-1", 5*time.Minute)
	if err != ErrCASMismatch {
		t.Fatalf("err = %v, want ErrCASMismatch", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLeaseTask_NotFoundWhenTaskMissing(t *testing.T) {
	s, mock := newMockStore(t)
	taskID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE tasks SET status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM tasks WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectRollback()

	_, err := s.LeaseTask(context.Background(), taskID, "worker-1", 5*time.Minute)
	if err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTransitionTask_NoOpWhenStatusMismatch(t *testing.T) {
	s, mock := newMockStore(t)
	taskID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT process_id FROM tasks WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"process_id"}).AddRow(uuid.New().String()))
	mock.ExpectExec("UPDATE tasks SET status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ok, err := s.TransitionTask(context.Background(), taskID, TaskAwaitingQA, TaskCompleted, TaskTransitionFields{}, "corr-1")
	if err != nil {
		t.Fatalf("TransitionTask: %v", err)
	}
	if ok {
		t.Fatal("expected no-op (false) when current status does not match `from`")
	}
}

func TestMarkSubmitted_DuplicateIsRejected(t *testing.T) {
	s, mock := newMockStore(t)
	taskID := uuid.New()

	mock.ExpectExec("UPDATE tasks SET submitted_to_registry").WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.MarkSubmitted(context.Background(), taskID)
	if err != ErrDuplicateSubmission {
		t.Fatalf("err = %v, want ErrDuplicateSubmission", err)
	}
}

func TestMarkSubmitted_RetriesTransientConnectionError(t *testing.T) {
	s, mock := newMockStore(t)
	taskID := uuid.New()

	// First attempt dies with a class-08 connection failure; the retry
	// budget re-runs the statement and the second attempt lands.
	mock.ExpectExec("UPDATE tasks SET submitted_to_registry").
		WillReturnError(&pgconn.PgError{Code: "08006", Message: "connection failure"})
	mock.ExpectExec("UPDATE tasks SET submitted_to_registry").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.MarkSubmitted(context.Background(), taskID); err != nil {
		t.Fatalf("MarkSubmitted: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkSubmitted_NonTransientErrorIsNotRetried(t *testing.T) {
	s, mock := newMockStore(t)
	taskID := uuid.New()

	// A constraint violation (class 23) must surface on the first attempt.
	mock.ExpectExec("UPDATE tasks SET submitted_to_registry").
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})

	err := s.MarkSubmitted(context.Background(), taskID)
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIsTransient_Classification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"insufficient resources", &pgconn.PgError{Code: "53300"}, true},
		{"operator intervention", &pgconn.PgError{Code: "57P01"}, true},
		{"constraint violation", &pgconn.PgError{Code: "23505"}, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"cas mismatch sentinel", ErrCASMismatch, false},
		{"not found sentinel", ErrNotFound, false},
	}
	for _, tc := range cases {
		if got := isTransient(tc.err); got != tc.want {
			t.Errorf("%s: isTransient = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestMarkStatusSubmitted_NoOpOnRepeatStatus(t *testing.T) {
	s, mock := newMockStore(t)
	processID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT registry_status_submitted FROM processes").
		WillReturnRows(sqlmock.NewRows([]string{"registry_status_submitted"}).AddRow("processing"))
	mock.ExpectCommit()

	ok, err := s.MarkStatusSubmitted(context.Background(), processID, ProcessProcessing)
	if err != nil {
		t.Fatalf("MarkStatusSubmitted: %v", err)
	}
	if ok {
		t.Fatal("expected no-op (false) when status already recorded")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMarkStatusSubmitted_AppliesOnNewStatus(t *testing.T) {
	s, mock := newMockStore(t)
	processID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT registry_status_submitted FROM processes").
		WillReturnRows(sqlmock.NewRows([]string{"registry_status_submitted"}).AddRow(""))
	mock.ExpectExec("UPDATE processes SET registry_status_submitted").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE processes SET audit_sequence").
		WillReturnRows(sqlmock.NewRows([]string{"audit_sequence"}).AddRow(int64(1)))
	mock.ExpectExec("INSERT INTO audit_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := s.MarkStatusSubmitted(context.Background(), processID, ProcessProcessing)
	if err != nil {
		t.Fatalf("MarkStatusSubmitted: %v", err)
	}
	if !ok {
		t.Fatal("expected apply (true) for a new status")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCompleteProcess_UpdatesStatusAndEmitsAudit(t *testing.T) {
	s, mock := newMockStore(t)
	processID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE processes SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE processes SET audit_sequence").
		WillReturnRows(sqlmock.NewRows([]string{"audit_sequence"}).AddRow(int64(2)))
	mock.ExpectExec("INSERT INTO audit_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.CompleteProcess(context.Background(), processID); err != nil {
		t.Fatalf("CompleteProcess: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

var errPlaceholder = &mockError{"insert failed"}

type mockError struct{ msg string }

func (e *mockError) Error() string { return e.msg }
