// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and Controller.
package api

import (
	"encoding/json"
	"time"
)

// CreateWorkPoolRequest is the request body for creating or replacing a work pool.
type CreateWorkPoolRequest struct {
	Name             string          `json:"name"`
	Type             string          `json:"type,omitempty"`
	BaseJobTemplate  json.RawMessage `json:"base_job_template"`
	DefaultVariables map[string]any  `json:"default_variables,omitempty"`
}

// WorkPoolResponse represents a work pool in API responses.
type WorkPoolResponse struct {
	Name             string          `json:"name"`
	Type             string          `json:"type"`
	BaseJobTemplate  json.RawMessage `json:"base_job_template"`
	DefaultVariables map[string]any  `json:"default_variables,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ListWorkPoolsResponse is the response body for listing work pools.
type ListWorkPoolsResponse struct {
	WorkPools []WorkPoolResponse `json:"work_pools"`
}

// SubmitJobRequest binds job variables to a work pool.
type SubmitJobRequest struct {
	Variables map[string]any `json:"variables,omitempty"`
}

// SubmitJobResponse is the response body after a job request is enqueued.
type SubmitJobResponse struct {
	JobID string `json:"job_id"`
	Pool  string `json:"pool"`
	State string `json:"state"`
}

// JobStatusResponse is the response body for job status queries.
type JobStatusResponse struct {
	ID          string          `json:"id"`
	Pool        string          `json:"pool"`
	State       string          `json:"state"`
	Detail      *string         `json:"detail,omitempty"`
	Variables   json.RawMessage `json:"variables,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	SubmittedAt *time.Time      `json:"submitted_at,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// AddLogRequest is the payload sent by the Worker.
type AddLogRequest struct {
	Content string `json:"content"`
}

// LogEntry represents a single log line in the response.
type LogEntry struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// GetLogsResponse is the response body for fetching logs.
type GetLogsResponse struct {
	Logs []LogEntry `json:"logs"`

	// NextAfterID is the after_id to pass for the next page.
	NextAfterID int64 `json:"next_after_id"`

	// Done is true once the job reached a terminal state.
	Done bool `json:"done"`
}
