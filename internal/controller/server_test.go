package controller

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"poolplane/internal/controller/handlers"
	"poolplane/internal/logger"
	"poolplane/internal/store"

	"github.com/google/uuid"
)

// stubStore answers the calls the routing tests make. Other methods panic
// through the nil embedded interface.
type stubStore struct {
	handlers.StoreFactory
	logs []string
}

func (s *stubStore) Ping(ctx context.Context) error { return nil }

func (s *stubStore) Count(ctx context.Context) (int64, error) { return 3, nil }

func (s *stubStore) ListWorkPools(ctx context.Context) ([]store.WorkPool, error) {
	return []store.WorkPool{{Name: "my-pool", Type: "kubernetes"}}, nil
}

func (s *stubStore) AddLogEntry(ctx context.Context, jobID uuid.UUID, content string) error {
	s.logs = append(s.logs, content)
	return nil
}

func newTestServer(st *stubStore) http.Handler {
	return New(":0", st, Config{
		SystemSecret: "s3cret",
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("poolplane_queue_depth 3\n"))
		}),
		Logger: logger.Discard(),
	}).Handler()
}

func TestServer_Routes(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		path           string
		expectedStatus int
		expectedInBody string
	}{
		{"Healthz", http.MethodGet, "/healthz", http.StatusOK, "healthy"},
		{"Readyz", http.MethodGet, "/readyz", http.StatusOK, `"queue_depth":3`},
		{"Metrics", http.MethodGet, "/metrics", http.StatusOK, "poolplane_queue_depth"},
		{"List Pools", http.MethodGet, "/work-pools", http.StatusOK, "my-pool"},
		{"Wrong Method", http.MethodDelete, "/work-pools", http.StatusMethodNotAllowed, ""},
		{"Unknown Route", http.MethodGet, "/executions", http.StatusNotFound, ""},
	}

	handler := newTestServer(&stubStore{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, httptest.NewRequest(tt.method, tt.path, nil))

			if rr.Code != tt.expectedStatus {
				t.Errorf("got status %d, want %d", rr.Code, tt.expectedStatus)
			}
			if !strings.Contains(rr.Body.String(), tt.expectedInBody) {
				t.Errorf("expected body to contain %q, got %q", tt.expectedInBody, rr.Body.String())
			}
			if rr.Header().Get("X-Request-ID") == "" {
				t.Error("expected a request id on every response")
			}
		})
	}
}

func TestServer_InternalLogsRequireSecret(t *testing.T) {
	st := &stubStore{}
	handler := newTestServer(st)
	path := "/internal/jobs/" + uuid.NewString() + "/logs"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(`{"content":"x"}`)))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("without secret: got status %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(`{"content":"x"}`))
	req.Header.Set("Authorization", "Bearer s3cret")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Errorf("with secret: got status %d, want %d", rr.Code, http.StatusAccepted)
	}
	if len(st.logs) != 1 || st.logs[0] != "x" {
		t.Errorf("expected log to be stored, got %v", st.logs)
	}
}
