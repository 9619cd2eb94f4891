package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"poolplane/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func TestCreateJob(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	job := &store.Job{
		ID:        uuid.New(),
		PoolName:  "my-pool",
		Variables: []byte(`{"cpu":"2"}`),
		State:     store.JobStatePending,
		CreatedAt: time.Now(),
	}

	mock.ExpectExec(`INSERT INTO jobs`).
		WithArgs(job.ID, "my-pool", []byte(`{"cpu":"2"}`), store.JobStatePending, job.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.CreateJob(context.Background(), nil, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetJobByID_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	id := uuid.New()
	mock.ExpectQuery(`SELECT id, pool_name`).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetJobByID(context.Background(), id)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetJobByID_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	id := uuid.New()
	now := time.Now()
	detail := "exit code 1"
	mock.ExpectQuery(`SELECT id, pool_name`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "pool_name", "variables", "state", "detail", "created_at", "submitted_at", "started_at", "finished_at"}).
			AddRow(id.String(), "my-pool", []byte(`{}`), "FAILED", detail, now, now, now, now))

	job, err := s.GetJobByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJobByID failed: %v", err)
	}
	if job.State != store.JobStateFailed {
		t.Errorf("expected FAILED, got %s", job.State)
	}
	if job.Detail == nil || *job.Detail != detail {
		t.Errorf("expected detail %q, got %v", detail, job.Detail)
	}
}

func TestUpdateJobState(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	id := uuid.New()
	mock.ExpectExec(`UPDATE jobs`).
		WithArgs(store.JobStateRunning, id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.UpdateJobState(context.Background(), id, store.JobStateRunning); err != nil {
		t.Fatalf("UpdateJobState failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestUpdateJobState_RejectsTerminal(t *testing.T) {
	s, _ := newMockStore(t)
	defer s.db.Close()

	if err := s.UpdateJobState(context.Background(), uuid.New(), store.JobStateSucceeded); err == nil {
		t.Error("expected error for terminal state")
	}
}

func TestReportTerminal(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	id := uuid.New()
	detail := "Unknown"

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE jobs`).
		WithArgs(store.JobStateFailed, &detail, id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM job_queue`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.ReportTerminal(context.Background(), id, store.JobStateFailed, detail); err != nil {
		t.Fatalf("ReportTerminal failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestReportTerminal_RejectsNonTerminal(t *testing.T) {
	s, _ := newMockStore(t)
	defer s.db.Close()

	if err := s.ReportTerminal(context.Background(), uuid.New(), store.JobStateRunning, ""); err == nil {
		t.Error("expected error for non-terminal state")
	}
}
