// Package store contains the database layer for poolplane.
package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// WorkPool is a named routing target with a shared base job template.
type WorkPool struct {
	Name             string
	Type             string // Execution backend, e.g. "kubernetes"
	BaseJobTemplate  BaseJobTemplate
	DefaultVariables map[string]any
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// BaseJobTemplate is the document every job of a pool is rendered from.
// JobConfiguration holds "{{ name }}" placeholders that are filled from
// the merged job variables.
type BaseJobTemplate struct {
	JobConfiguration map[string]any `json:"job_configuration" yaml:"job_configuration"`
	Variables        VariableSchema `json:"variables" yaml:"variables"`
}

// VariableSchema declares which job variables a template accepts.
type VariableSchema struct {
	Properties map[string]VariableProperty `json:"properties" yaml:"properties"`
	Required   []string                    `json:"required,omitempty" yaml:"required,omitempty"`
}

// VariableProperty describes a single declared variable.
type VariableProperty struct {
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// Declares reports whether name is part of the template's declared variable set.
func (t BaseJobTemplate) Declares(name string) bool {
	_, ok := t.Variables.Properties[name]
	return ok
}

// JobRequest is a logical request to run a job on a work pool.
type JobRequest struct {
	ID        uuid.UUID
	PoolName  string
	Variables map[string]any
}

// Job is the persisted view of a job request and its last reported state.
type Job struct {
	ID          uuid.UUID
	PoolName    string
	Variables   json.RawMessage
	State       JobState
	Detail      *string
	CreatedAt   time.Time
	SubmittedAt *time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// LogEntry is a chunk of job output shipped by a worker.
type LogEntry struct {
	ID        int64
	JobID     uuid.UUID
	Content   string
	CreatedAt time.Time
}

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobStatePending   JobState = "PENDING"
	JobStateSubmitted JobState = "SUBMITTED"
	JobStateRunning   JobState = "RUNNING"
	JobStateSucceeded JobState = "SUCCEEDED"
	JobStateFailed    JobState = "FAILED"
	JobStateCancelled JobState = "CANCELLED"
)

// IsTerminal reports whether no further transition can happen from s.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// Rank orders states along the lifecycle. All terminal states share the
// highest rank. Unknown states rank below PENDING.
func (s JobState) Rank() int {
	switch s {
	case JobStatePending:
		return 1
	case JobStateSubmitted:
		return 2
	case JobStateRunning:
		return 3
	case JobStateSucceeded, JobStateFailed, JobStateCancelled:
		return 4
	}
	return 0
}

// CanTransitionTo reports whether moving from s to next keeps the lifecycle
// monotonic. Terminal states are absorbing.
func (s JobState) CanTransitionTo(next JobState) bool {
	if s.IsTerminal() {
		return false
	}
	return next.Rank() > s.Rank()
}
