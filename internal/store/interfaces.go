package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// PoolStore handles the persistence of work pool definitions.
type PoolStore interface {
	// UpsertWorkPool creates the pool or replaces its template and defaults.
	UpsertWorkPool(ctx context.Context, pool *WorkPool) error

	// GetWorkPool returns a pool by name, or ErrNotFound.
	GetWorkPool(ctx context.Context, name string) (*WorkPool, error)

	// ListWorkPools returns all pools ordered by name.
	ListWorkPools(ctx context.Context) ([]WorkPool, error)
}

// JobStore handles the persistence of job requests and their reported state.
type JobStore interface {
	// CreateJob inserts the initial PENDING row for a request.
	CreateJob(ctx context.Context, tx DBTransaction, job *Job) error

	// GetJobByID returns a job by its ID, or ErrNotFound.
	GetJobByID(ctx context.Context, id uuid.UUID) (*Job, error)

	// UpdateJobState records a non-terminal transition. Rows already in a
	// terminal state are left untouched.
	UpdateJobState(ctx context.Context, id uuid.UUID, state JobState) error

	// ReportTerminal records the terminal state of a job and removes it from
	// the queue. Reporting the same job twice is a no-op.
	ReportTerminal(ctx context.Context, id uuid.UUID, state JobState, detail string) error
}

// LogStore handles job output.
type LogStore interface {
	AddLogEntry(ctx context.Context, jobID uuid.UUID, content string) error
	GetJobLogs(ctx context.Context, jobID uuid.UUID, afterID int64, limit int) ([]LogEntry, error)
}
