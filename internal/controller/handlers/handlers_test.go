package handlers

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"poolplane/internal/logger"
	"poolplane/internal/store"

	"github.com/google/uuid"
)

// Mock transaction
type mockTx struct {
	store *mockStore
}

func (m *mockTx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return nil, nil
}
func (m *mockTx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return nil, nil
}
func (m *mockTx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return nil
}

func (m *mockTx) Commit() error {
	m.store.committed = true
	return m.store.commitErr
}

func (m *mockTx) Rollback() error { return nil }

// Mock Store
type mockStore struct {
	beginTxErr error
	commitErr  error
	pingErr    error

	// Pool Hooks
	pools      map[string]*store.WorkPool
	upsertErr  error
	getPoolErr error
	listErr    error

	// Job Hooks
	createJobErr   error
	getJobByIDResp *store.Job
	getJobByIDErr  error
	enqueueErr     error
	countResp      int64
	countErr       error

	// Log Hooks
	addLogEntryErr error
	getJobLogsResp []store.LogEntry
	getJobLogsErr  error

	// Spies (to verify arguments passed by handlers)
	upserted        *store.WorkPool
	createdJob      *store.Job
	enqueued        *store.JobRequest
	committed       bool
	addedContent    string
	capturedAfterID int64
	capturedLimit   int
}

func newHandlers(m *mockStore) *Handlers {
	return New(m, logger.Discard())
}

func (m *mockStore) BeginTx(ctx context.Context) (store.Tx, error) {
	if m.beginTxErr != nil {
		return nil, m.beginTxErr
	}
	return &mockTx{store: m}, nil
}

func (m *mockStore) Ping(ctx context.Context) error {
	return m.pingErr
}

func (m *mockStore) UpsertWorkPool(ctx context.Context, pool *store.WorkPool) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.upserted = pool
	if m.pools == nil {
		m.pools = make(map[string]*store.WorkPool)
	}
	saved := *pool
	saved.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	saved.UpdatedAt = saved.CreatedAt
	m.pools[pool.Name] = &saved
	return nil
}

func (m *mockStore) GetWorkPool(ctx context.Context, name string) (*store.WorkPool, error) {
	if m.getPoolErr != nil {
		return nil, m.getPoolErr
	}
	if p, ok := m.pools[name]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, fmt.Errorf("work pool %q: %w", name, store.ErrNotFound)
}

func (m *mockStore) ListWorkPools(ctx context.Context) ([]store.WorkPool, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []store.WorkPool
	for _, p := range m.pools {
		out = append(out, *p)
	}
	return out, nil
}

func (m *mockStore) CreateJob(ctx context.Context, tx store.DBTransaction, job *store.Job) error {
	m.createdJob = job
	return m.createJobErr
}

func (m *mockStore) GetJobByID(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	return m.getJobByIDResp, m.getJobByIDErr
}

func (m *mockStore) UpdateJobState(ctx context.Context, id uuid.UUID, state store.JobState) error {
	return nil
}

func (m *mockStore) ReportTerminal(ctx context.Context, id uuid.UUID, state store.JobState, detail string) error {
	return nil
}

func (m *mockStore) AddLogEntry(ctx context.Context, jobID uuid.UUID, content string) error {
	m.addedContent = content
	return m.addLogEntryErr
}

func (m *mockStore) GetJobLogs(ctx context.Context, jobID uuid.UUID, afterID int64, limit int) ([]store.LogEntry, error) {
	m.capturedAfterID = afterID
	m.capturedLimit = limit
	return m.getJobLogsResp, m.getJobLogsErr
}

func (m *mockStore) Enqueue(ctx context.Context, tx store.DBTransaction, req store.JobRequest, visibleAfter time.Time) (int64, error) {
	if m.enqueueErr != nil {
		return 0, m.enqueueErr
	}
	m.enqueued = &req
	return 1, nil
}

func (m *mockStore) Claim(ctx context.Context, pools []string, limit int) ([]store.JobRequest, error) {
	return nil, nil
}

func (m *mockStore) SetVisibleAfter(ctx context.Context, tx store.DBTransaction, jobID uuid.UUID, visibleAfter time.Time) error {
	return nil
}

func (m *mockStore) Count(ctx context.Context) (int64, error) {
	return m.countResp, m.countErr
}

// testPool is a pool with one declared variable, image, defaulting to busybox.
func testPool() *store.WorkPool {
	return &store.WorkPool{
		Name: "my-pool",
		Type: "kubernetes",
		BaseJobTemplate: store.BaseJobTemplate{
			JobConfiguration: map[string]any{"image": "{{ image }}"},
			Variables: store.VariableSchema{
				Properties: map[string]store.VariableProperty{
					"image": {Type: "string", Default: "busybox"},
				},
			},
		},
	}
}
