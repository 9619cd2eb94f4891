package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"poolplane/internal/store"
	"poolplane/pkg/api"

	"github.com/google/uuid"
)

func TestSubmitJob(t *testing.T) {
	tests := []struct {
		name           string
		pool           string
		body           string
		mockSetup      func(*mockStore)
		expectedStatus int
		expectedInBody string
	}{
		{
			name:           "Success",
			pool:           "my-pool",
			body:           `{"variables": {"image": "alpine:3.19"}}`,
			expectedStatus: http.StatusCreated,
			expectedInBody: `"state":"PENDING"`,
		},
		{
			name:           "Empty Body Uses Defaults",
			pool:           "my-pool",
			body:           ``,
			expectedStatus: http.StatusCreated,
			expectedInBody: "job_id",
		},
		{
			name:           "Invalid JSON",
			pool:           "my-pool",
			body:           `{invalid-json}`,
			expectedStatus: http.StatusBadRequest,
			expectedInBody: "Invalid request body",
		},
		{
			name:           "Unknown Pool",
			pool:           "missing",
			body:           `{}`,
			expectedStatus: http.StatusNotFound,
			expectedInBody: "Work pool not found",
		},
		{
			name:           "Unknown Variables",
			pool:           "my-pool",
			body:           `{"variables": {"zone": "a", "cpu": "2"}}`,
			expectedStatus: http.StatusUnprocessableEntity,
			expectedInBody: "cpu, zone",
		},
		{
			name: "Database Transaction Error",
			pool: "my-pool",
			body: `{}`,
			mockSetup: func(m *mockStore) {
				m.beginTxErr = errors.New("db connection failed")
			},
			expectedStatus: http.StatusInternalServerError,
			expectedInBody: "Internal database error",
		},
		{
			name: "Create Job Failure",
			pool: "my-pool",
			body: `{}`,
			mockSetup: func(m *mockStore) {
				m.createJobErr = errors.New("insert failed")
			},
			expectedStatus: http.StatusInternalServerError,
			expectedInBody: "Failed to create job",
		},
		{
			name: "Enqueue Failure",
			pool: "my-pool",
			body: `{}`,
			mockSetup: func(m *mockStore) {
				m.enqueueErr = errors.New("insert failed")
			},
			expectedStatus: http.StatusInternalServerError,
			expectedInBody: "Failed to enqueue",
		},
		{
			name: "Commit Failure",
			pool: "my-pool",
			body: `{}`,
			mockSetup: func(m *mockStore) {
				m.commitErr = errors.New("serialization failure")
			},
			expectedStatus: http.StatusInternalServerError,
			expectedInBody: "Failed to commit transaction",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockStore{pools: map[string]*store.WorkPool{"my-pool": testPool()}}
			if tt.mockSetup != nil {
				tt.mockSetup(mock)
			}
			h := newHandlers(mock)

			mux := http.NewServeMux()
			mux.HandleFunc("POST /work-pools/{name}/jobs", h.SubmitJob)

			req := httptest.NewRequest(http.MethodPost, "/work-pools/"+tt.pool+"/jobs", bytes.NewBufferString(tt.body))
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v (%s)", rr.Code, tt.expectedStatus, rr.Body.String())
			}
			if !strings.Contains(rr.Body.String(), tt.expectedInBody) {
				t.Errorf("expected body to contain %q, got %q", tt.expectedInBody, rr.Body.String())
			}
		})
	}
}

func TestSubmitJob_EnqueuesBoundRequest(t *testing.T) {
	mock := &mockStore{pools: map[string]*store.WorkPool{"my-pool": testPool()}}
	h := newHandlers(mock)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /work-pools/{name}/jobs", h.SubmitJob)

	req := httptest.NewRequest(http.MethodPost, "/work-pools/my-pool/jobs", bytes.NewBufferString(`{"variables": {"image": "alpine"}}`))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	var resp api.SubmitJobResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if mock.createdJob == nil || mock.enqueued == nil {
		t.Fatal("expected job row and queue entry")
	}
	if !mock.committed {
		t.Error("expected transaction to be committed")
	}
	if mock.enqueued.ID.String() != resp.JobID || mock.createdJob.ID.String() != resp.JobID {
		t.Errorf("expected row, queue entry and response to share id %s", resp.JobID)
	}
	if mock.enqueued.PoolName != "my-pool" || mock.enqueued.Variables["image"] != "alpine" {
		t.Errorf("unexpected queued request: %+v", mock.enqueued)
	}
	if mock.createdJob.State != store.JobStatePending {
		t.Errorf("expected PENDING row, got %s", mock.createdJob.State)
	}
	if string(mock.createdJob.Variables) != `{"image":"alpine"}` {
		t.Errorf("unexpected stored variables: %s", mock.createdJob.Variables)
	}
}

func TestGetJob(t *testing.T) {
	jobID := uuid.New()
	detail := "exit code 1"
	finished := time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC)

	tests := []struct {
		name           string
		id             string
		mockSetup      func(*mockStore)
		expectedStatus int
		expectedInBody string
	}{
		{
			name: "Success",
			id:   jobID.String(),
			mockSetup: func(m *mockStore) {
				m.getJobByIDResp = &store.Job{
					ID:         jobID,
					PoolName:   "my-pool",
					State:      store.JobStateFailed,
					Detail:     &detail,
					CreatedAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
					FinishedAt: &finished,
				}
			},
			expectedStatus: http.StatusOK,
			expectedInBody: `"detail":"exit code 1"`,
		},
		{
			name:           "Invalid UUID",
			id:             "not-a-uuid",
			expectedStatus: http.StatusBadRequest,
			expectedInBody: "Invalid job id",
		},
		{
			name: "Not Found",
			id:   jobID.String(),
			mockSetup: func(m *mockStore) {
				m.getJobByIDErr = store.ErrNotFound
			},
			expectedStatus: http.StatusNotFound,
			expectedInBody: "Job not found",
		},
		{
			name: "Store Error",
			id:   jobID.String(),
			mockSetup: func(m *mockStore) {
				m.getJobByIDErr = errors.New("db down")
			},
			expectedStatus: http.StatusInternalServerError,
			expectedInBody: "Failed to load job",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockStore{}
			if tt.mockSetup != nil {
				tt.mockSetup(mock)
			}
			h := newHandlers(mock)

			mux := http.NewServeMux()
			mux.HandleFunc("GET /jobs/{id}", h.GetJob)

			req := httptest.NewRequest(http.MethodGet, "/jobs/"+tt.id, nil)
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("got status %d, want %d", rr.Code, tt.expectedStatus)
			}
			if !strings.Contains(rr.Body.String(), tt.expectedInBody) {
				t.Errorf("expected body to contain %q, got %q", tt.expectedInBody, rr.Body.String())
			}
		})
	}
}
