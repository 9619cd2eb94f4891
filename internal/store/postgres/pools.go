package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"poolplane/internal/store"
)

// UpsertWorkPool inserts a pool or replaces its template, type and defaults.
func (s *Store) UpsertWorkPool(ctx context.Context, pool *store.WorkPool) error {
	tmpl, err := json.Marshal(pool.BaseJobTemplate)
	if err != nil {
		return fmt.Errorf("failed to encode base job template: %w", err)
	}

	defaults := pool.DefaultVariables
	if defaults == nil {
		defaults = map[string]any{}
	}
	defaultsJSON, err := json.Marshal(defaults)
	if err != nil {
		return fmt.Errorf("failed to encode default variables: %w", err)
	}

	query := `
		INSERT INTO work_pools (name, type, base_job_template, default_variables)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
		SET type = EXCLUDED.type,
			base_job_template = EXCLUDED.base_job_template,
			default_variables = EXCLUDED.default_variables,
			updated_at = NOW()
	`
	_, err = s.db.ExecContext(ctx, query, pool.Name, pool.Type, tmpl, defaultsJSON)
	return err
}

// GetWorkPool returns a pool by name.
func (s *Store) GetWorkPool(ctx context.Context, name string) (*store.WorkPool, error) {
	query := `
		SELECT name, type, base_job_template, default_variables, created_at, updated_at
		FROM work_pools
		WHERE name = $1
	`

	pool, err := scanWorkPool(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("work pool %q: %w", name, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// ListWorkPools returns all pools ordered by name.
func (s *Store) ListWorkPools(ctx context.Context) ([]store.WorkPool, error) {
	query := `
		SELECT name, type, base_job_template, default_variables, created_at, updated_at
		FROM work_pools
		ORDER BY name ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []store.WorkPool
	for rows.Next() {
		pool, err := scanWorkPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *pool)
	}
	return pools, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkPool(row rowScanner) (*store.WorkPool, error) {
	var pool store.WorkPool
	var tmpl, defaults []byte

	if err := row.Scan(&pool.Name, &pool.Type, &tmpl, &defaults, &pool.CreatedAt, &pool.UpdatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(tmpl, &pool.BaseJobTemplate); err != nil {
		return nil, fmt.Errorf("work pool %q has invalid base job template: %w", pool.Name, err)
	}
	if len(defaults) > 0 {
		if err := json.Unmarshal(defaults, &pool.DefaultVariables); err != nil {
			return nil, fmt.Errorf("work pool %q has invalid default variables: %w", pool.Name, err)
		}
	}
	return &pool, nil
}
