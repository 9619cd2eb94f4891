package postgres

import (
	"context"
	"errors"
	"fmt"

	"poolplane/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// foreignKeyViolation is the SQLSTATE raised when job_logs.job_id has no jobs row.
const foreignKeyViolation = "23503"

// AddLogEntry appends one shipped chunk. Unknown jobs yield store.ErrNotFound.
func (s *Store) AddLogEntry(ctx context.Context, jobID uuid.UUID, content string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO job_logs (job_id, content) VALUES ($1, $2)`, jobID, content)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("insert log for job %s: %w", jobID, err)
	}
	return nil
}

// GetJobLogs returns up to limit chunks with id > afterID, oldest first.
func (s *Store) GetJobLogs(ctx context.Context, jobID uuid.UUID, afterID int64, limit int) ([]store.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, content, created_at
		FROM job_logs
		WHERE job_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`, jobID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query logs for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var logs []store.LogEntry
	for rows.Next() {
		var entry store.LogEntry
		if err := rows.Scan(&entry.ID, &entry.JobID, &entry.Content, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}
