package main

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"poolplane/internal/worker/tracker"
)

type fakeAgent struct {
	err  error
	mode tracker.Mode
}

func (f fakeAgent) Healthy() error            { return f.err }
func (f fakeAgent) TrackerMode() tracker.Mode { return f.mode }
func (f fakeAgent) InFlight() int             { return 2 }

func TestHealthMux(t *testing.T) {
	tests := []struct {
		name           string
		agent          fakeAgent
		expectedStatus int
		expectedInBody []string
	}{
		{
			name:           "Healthy Watch Mode",
			agent:          fakeAgent{mode: tracker.ModeWatch},
			expectedStatus: http.StatusOK,
			expectedInBody: []string{`"status":"healthy"`, `"tracker_mode":"watch"`, `"in_flight":2`},
		},
		{
			name:           "Degraded",
			agent:          fakeAgent{err: errors.New("queue claims are failing")},
			expectedStatus: http.StatusServiceUnavailable,
			expectedInBody: []string{`"status":"degraded"`, "queue claims are failing", `"tracker_mode":"poll"`},
		},
	}

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			healthMux(tt.agent, metrics).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if rr.Code != tt.expectedStatus {
				t.Errorf("got status %d, want %d", rr.Code, tt.expectedStatus)
			}
			for _, want := range tt.expectedInBody {
				if !strings.Contains(rr.Body.String(), want) {
					t.Errorf("expected body to contain %s, got %s", want, rr.Body.String())
				}
			}
		})
	}
}
