package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"poolplane/internal/store"

	"github.com/google/uuid"
)

// CreateJob inserts the initial row for a bound job request.
func (s *Store) CreateJob(ctx context.Context, tx store.DBTransaction, job *store.Job) error {
	query := `
		INSERT INTO jobs (id, pool_name, variables, state, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	variables := job.Variables
	if len(variables) == 0 {
		variables = []byte("{}")
	}

	_, err := s.getExecutor(tx).ExecContext(ctx, query,
		job.ID,
		job.PoolName,
		[]byte(variables),
		job.State,
		job.CreatedAt,
	)
	return err
}

func (s *Store) GetJobByID(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	query := `
		SELECT id, pool_name, variables, state, detail, created_at, submitted_at, started_at, finished_at
		FROM jobs
		WHERE id = $1
	`

	var job store.Job
	var variables []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&job.ID, &job.PoolName, &variables, &job.State, &job.Detail,
		&job.CreatedAt, &job.SubmittedAt, &job.StartedAt, &job.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	job.Variables = variables

	return &job, nil
}

// UpdateJobState records a non-terminal transition reported by a worker.
func (s *Store) UpdateJobState(ctx context.Context, id uuid.UUID, state store.JobState) error {
	if state.IsTerminal() {
		return fmt.Errorf("terminal state %s must be reported with ReportTerminal", state)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = $1,
			submitted_at = CASE WHEN $1 = 'SUBMITTED' THEN COALESCE(submitted_at, NOW()) ELSE submitted_at END,
			started_at = CASE WHEN $1 = 'RUNNING' THEN COALESCE(started_at, NOW()) ELSE started_at END
		WHERE id = $2 AND state NOT IN ('SUCCEEDED', 'FAILED', 'CANCELLED')
	`, state, id)
	return err
}

// ReportTerminal finalizes a job and releases its queue entry.
// A job that is already terminal keeps its first reported outcome.
func (s *Store) ReportTerminal(ctx context.Context, id uuid.UUID, state store.JobState, detail string) error {
	if !state.IsTerminal() {
		return fmt.Errorf("state %s is not terminal", state)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var detailArg *string
	if detail != "" {
		detailArg = &detail
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET state = $1, detail = $2, finished_at = NOW()
		WHERE id = $3 AND state NOT IN ('SUCCEEDED', 'FAILED', 'CANCELLED')
	`, state, detailArg, id)
	if err != nil {
		return fmt.Errorf("failed to record terminal state for job %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM job_queue WHERE job_id = $1", id); err != nil {
		return fmt.Errorf("failed to release queue entry for job %s: %w", id, err)
	}

	return tx.Commit()
}
