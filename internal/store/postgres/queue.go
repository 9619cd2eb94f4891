package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"poolplane/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// VisibilityTimeout hides a claimed request from other workers until a
// heartbeat extends it or the worker disappears.
const VisibilityTimeout = 5 * time.Minute

// claimQuery locks the oldest visible rows, pushes their deadline out and
// returns them in one statement. $2 is NULL when every pool is served.
const claimQuery = `
	WITH next AS (
		SELECT id
		FROM job_queue
		WHERE visible_after <= NOW()
		  AND ($2::text[] IS NULL OR pool_name = ANY($2))
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	), claimed AS (
		UPDATE job_queue q
		SET visible_after = NOW() + ($3 * INTERVAL '1 second')
		FROM next
		WHERE q.id = next.id
		RETURNING q.id, q.job_id, q.pool_name, q.payload
	)
	SELECT job_id, pool_name, payload FROM claimed ORDER BY id ASC
`

func (s *Store) Enqueue(ctx context.Context, tx store.DBTransaction, req store.JobRequest, visibleAfter time.Time) (int64, error) {
	if visibleAfter.IsZero() {
		visibleAfter = time.Now()
	}

	payload, err := json.Marshal(req.Variables)
	if err != nil {
		return 0, fmt.Errorf("encode variables for job %s: %w", req.ID, err)
	}

	var id int64
	err = s.getExecutor(tx).QueryRowContext(ctx, `
		INSERT INTO job_queue (job_id, pool_name, payload, visible_after)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, req.ID, req.PoolName, payload, visibleAfter).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue job %s: %w", req.ID, err)
	}
	return id, nil
}

func (s *Store) Claim(ctx context.Context, pools []string, limit int) ([]store.JobRequest, error) {
	limit = max(limit, 1)

	var poolFilter any
	if len(pools) > 0 {
		poolFilter = pq.Array(pools)
	}

	rows, err := s.db.QueryContext(ctx, claimQuery, limit, poolFilter, VisibilityTimeout.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	defer rows.Close()

	var items []store.JobRequest
	for rows.Next() {
		var (
			item    store.JobRequest
			payload []byte
		)
		if err := rows.Scan(&item.ID, &item.PoolName, &payload); err != nil {
			return nil, fmt.Errorf("claim scan: %w", err)
		}
		// The rows are already hidden; a bad payload resurfaces after the timeout.
		if err := json.Unmarshal(payload, &item.Variables); err != nil {
			return nil, fmt.Errorf("claim payload for job %s: %w", item.ID, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim rows: %w", err)
	}
	return items, nil
}

func (s *Store) SetVisibleAfter(ctx context.Context, tx store.DBTransaction, jobID uuid.UUID, visibleAfter time.Time) error {
	res, err := s.getExecutor(tx).ExecContext(ctx,
		`UPDATE job_queue SET visible_after = $1 WHERE job_id = $2`, visibleAfter, jobID)
	if err != nil {
		return fmt.Errorf("set visibility for job %s: %w", jobID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_queue`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return count, nil
}
