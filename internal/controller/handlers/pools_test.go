package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"poolplane/internal/store"
	"poolplane/pkg/api"
)

const validTemplate = `{
	"job_configuration": {"image": "{{ image }}", "command": ["sh", "-c", "echo {{ greeting }}"]},
	"variables": {"properties": {"image": {"type": "string", "default": "busybox"}, "greeting": {"type": "string"}}}
}`

func TestCreateWorkPool(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		mockSetup      func(*mockStore)
		expectedStatus int
		expectedInBody string
	}{
		{
			name:           "Success",
			body:           `{"name": "my-pool", "base_job_template": ` + validTemplate + `, "default_variables": {"greeting": "hi"}}`,
			expectedStatus: http.StatusCreated,
			expectedInBody: `"name":"my-pool"`,
		},
		{
			name:           "Docker Type",
			body:           `{"name": "local", "type": "docker", "base_job_template": ` + validTemplate + `}`,
			expectedStatus: http.StatusCreated,
			expectedInBody: `"type":"docker"`,
		},
		{
			name:           "Invalid JSON",
			body:           `{invalid-json}`,
			expectedStatus: http.StatusBadRequest,
			expectedInBody: "Invalid request body",
		},
		{
			name:           "Body Too Large",
			body:           `{"name": "` + strings.Repeat("x", maxRequestBody) + `"}`,
			expectedStatus: http.StatusRequestEntityTooLarge,
			expectedInBody: "Request body too large",
		},
		{
			name:           "Missing Template",
			body:           `{"name": "my-pool"}`,
			expectedStatus: http.StatusBadRequest,
			expectedInBody: "Name and base_job_template are required",
		},
		{
			name:           "Unsupported Type",
			body:           `{"name": "my-pool", "type": "nomad", "base_job_template": ` + validTemplate + `}`,
			expectedStatus: http.StatusBadRequest,
			expectedInBody: "Unsupported pool type",
		},
		{
			name:           "Template Without Job Configuration",
			body:           `{"name": "my-pool", "base_job_template": {"variables": {}}}`,
			expectedStatus: http.StatusUnprocessableEntity,
			expectedInBody: "Invalid base job template",
		},
		{
			name:           "Undeclared Placeholder",
			body:           `{"name": "my-pool", "base_job_template": {"job_configuration": {"image": "{{ image }}", "cpu": "{{ cpu }}"}, "variables": {"properties": {"image": {}}}}}`,
			expectedStatus: http.StatusUnprocessableEntity,
			expectedInBody: "cpu",
		},
		{
			name:           "Undeclared Default",
			body:           `{"name": "my-pool", "base_job_template": ` + validTemplate + `, "default_variables": {"memory": "1Gi"}}`,
			expectedStatus: http.StatusUnprocessableEntity,
			expectedInBody: "memory",
		},
		{
			name: "Store Error",
			body: `{"name": "my-pool", "base_job_template": ` + validTemplate + `}`,
			mockSetup: func(m *mockStore) {
				m.upsertErr = errors.New("insert failed")
			},
			expectedStatus: http.StatusInternalServerError,
			expectedInBody: "Failed to save work pool",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockStore{}
			if tt.mockSetup != nil {
				tt.mockSetup(mock)
			}
			h := newHandlers(mock)

			req := httptest.NewRequest(http.MethodPost, "/work-pools", bytes.NewBufferString(tt.body))
			rr := httptest.NewRecorder()
			h.CreateWorkPool(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v (%s)", rr.Code, tt.expectedStatus, rr.Body.String())
			}
			if !strings.Contains(rr.Body.String(), tt.expectedInBody) {
				t.Errorf("expected body to contain %q, got %q", tt.expectedInBody, rr.Body.String())
			}
		})
	}
}

func TestCreateWorkPool_PersistsParsedTemplate(t *testing.T) {
	mock := &mockStore{}
	h := newHandlers(mock)

	body := `{"name": "my-pool", "base_job_template": ` + validTemplate + `, "default_variables": {"greeting": "hi"}}`
	req := httptest.NewRequest(http.MethodPost, "/work-pools", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	h.CreateWorkPool(rr, req)

	if mock.upserted == nil {
		t.Fatal("expected pool to be upserted")
	}
	if mock.upserted.Type != "kubernetes" {
		t.Errorf("expected default type kubernetes, got %s", mock.upserted.Type)
	}
	if !mock.upserted.BaseJobTemplate.Declares("greeting") {
		t.Error("expected greeting to be declared")
	}
	if mock.upserted.DefaultVariables["greeting"] != "hi" {
		t.Errorf("expected default greeting hi, got %v", mock.upserted.DefaultVariables["greeting"])
	}

	var resp api.WorkPoolResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.CreatedAt.IsZero() {
		t.Error("expected timestamps from the stored row")
	}
}

func TestGetWorkPool(t *testing.T) {
	tests := []struct {
		name           string
		pool           string
		mockSetup      func(*mockStore)
		expectedStatus int
	}{
		{
			name:           "Found",
			pool:           "my-pool",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Not Found",
			pool:           "missing",
			expectedStatus: http.StatusNotFound,
		},
		{
			name: "Store Error",
			pool: "my-pool",
			mockSetup: func(m *mockStore) {
				m.getPoolErr = errors.New("db down")
			},
			expectedStatus: http.StatusInternalServerError,
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
			mux.HandleFunc("GET /work-pools/{name}", h.GetWorkPool)

			req := httptest.NewRequest(http.MethodGet, "/work-pools/"+tt.pool, nil)
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("got status %d, want %d", rr.Code, tt.expectedStatus)
			}
		})
	}
}

func TestListWorkPools(t *testing.T) {
	mock := &mockStore{pools: map[string]*store.WorkPool{"my-pool": testPool()}}
	h := newHandlers(mock)

	req := httptest.NewRequest(http.MethodGet, "/work-pools", nil)
	rr := httptest.NewRecorder()
	h.ListWorkPools(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", rr.Code, http.StatusOK)
	}

	var resp api.ListWorkPoolsResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.WorkPools) != 1 || resp.WorkPools[0].Name != "my-pool" {
		t.Errorf("expected [my-pool], got %+v", resp.WorkPools)
	}
	if !strings.Contains(string(resp.WorkPools[0].BaseJobTemplate), "job_configuration") {
		t.Errorf("expected template in response, got %s", resp.WorkPools[0].BaseJobTemplate)
	}
}

func TestListWorkPools_StoreError(t *testing.T) {
	h := newHandlers(&mockStore{listErr: errors.New("db down")})

	req := httptest.NewRequest(http.MethodGet, "/work-pools", nil)
	rr := httptest.NewRecorder()
	h.ListWorkPools(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("got status %d, want %d", rr.Code, http.StatusInternalServerError)
	}
}
