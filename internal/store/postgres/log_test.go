package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"poolplane/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

func TestAddLogEntry(t *testing.T) {
	jobID := uuid.New()

	tests := []struct {
		name    string
		execErr error
		wantErr error
		anyErr  bool
	}{
		{name: "Inserted"},
		{name: "Unknown Job", execErr: &pq.Error{Code: foreignKeyViolation}, wantErr: store.ErrNotFound},
		{name: "Database Error", execErr: errors.New("connection reset"), anyErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			defer s.db.Close()

			exp := mock.ExpectExec(`INSERT INTO job_logs`).WithArgs(jobID, "chunk\n")
			if tt.execErr != nil {
				exp.WillReturnError(tt.execErr)
			} else {
				exp.WillReturnResult(sqlmock.NewResult(1, 1))
			}

			err := s.AddLogEntry(context.Background(), jobID, "chunk\n")
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected %v, got %v", tt.wantErr, err)
				}
			case tt.anyErr:
				if err == nil || errors.Is(err, store.ErrNotFound) {
					t.Errorf("expected wrapped database error, got %v", err)
				}
			default:
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestGetJobLogs(t *testing.T) {
	jobID := uuid.New()
	cols := []string{"id", "job_id", "content", "created_at"}

	tests := []struct {
		name    string
		rows    *sqlmock.Rows
		wantIDs []int64
		wantErr bool
	}{
		{
			name: "Page In Order",
			rows: sqlmock.NewRows(cols).
				AddRow(101, jobID.String(), "Log 101", time.Now().Add(-2*time.Second)).
				AddRow(102, jobID.String(), "Log 102", time.Now().Add(-time.Second)),
			wantIDs: []int64{101, 102},
		},
		{
			name: "Empty Page",
			rows: sqlmock.NewRows(cols),
		},
		{
			name:    "Bad Row",
			rows:    sqlmock.NewRows(cols).AddRow("not-a-number", jobID.String(), "x", time.Now()),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			defer s.db.Close()

			mock.ExpectQuery(`SELECT id, job_id, content, created_at FROM job_logs`).
				WithArgs(jobID, int64(100), 50).
				WillReturnRows(tt.rows)

			logs, err := s.GetJobLogs(context.Background(), jobID, 100, 50)
			if (err != nil) != tt.wantErr {
				t.Fatalf("GetJobLogs() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(logs) != len(tt.wantIDs) {
				t.Fatalf("expected %d logs, got %d", len(tt.wantIDs), len(logs))
			}
			for i, id := range tt.wantIDs {
				if logs[i].ID != id {
					t.Errorf("log %d: expected id %d, got %d", i, id, logs[i].ID)
				}
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestGetJobLogs_QueryError(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT id, job_id, content, created_at FROM job_logs`).
		WillReturnError(errors.New("db down"))

	if _, err := s.GetJobLogs(context.Background(), uuid.New(), 0, 10); err == nil {
		t.Fatal("expected error")
	}
}
