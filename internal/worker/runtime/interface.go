// Package runtime provides the control plane backends jobs are submitted to.
package runtime

import (
	"context"
	"errors"
	"io"
	"time"

	"poolplane/internal/jobspec"
)

var (
	// ErrNotFound is returned when the backend has no job for a handle or token.
	ErrNotFound = errors.New("job not found on backend")

	// ErrAlreadyExists is returned by Create when a job with the same
	// idempotency token already landed.
	ErrAlreadyExists = errors.New("job already exists on backend")
)

// Labels stamped on every backend resource.
const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelToken     = "poolplane.io/token"
	LabelPool      = "poolplane.io/pool"

	AnnotationCancelled = "poolplane.io/cancelled"

	managedBy = "poolplane"
)

// Runtime is a control plane that can realize a resolved job spec.
// Implementations include Kubernetes and Docker.
type Runtime interface {
	// Create realizes spec. It returns ErrAlreadyExists (wrapped) when a job
	// carrying spec.Token already exists.
	Create(ctx context.Context, spec *jobspec.ResolvedJobSpec) (Handle, error)

	// Lookup finds the job created for an idempotency token.
	// It returns ErrNotFound (wrapped) when nothing landed.
	Lookup(ctx context.Context, token string) (Handle, error)

	// Status reads the current state of a job.
	Status(ctx context.Context, h Handle) (RawStatus, error)

	// Cancel stops a job without removing it.
	Cancel(ctx context.Context, h Handle) error

	// Delete removes a job and its children.
	Delete(ctx context.Context, h Handle) error
}

// Watcher is implemented by backends that can stream status changes.
// The returned channel is closed when the stream breaks or ctx is done.
type Watcher interface {
	Watch(ctx context.Context) (<-chan StatusEvent, error)
}

// LogStreamer is implemented by backends that expose job output.
type LogStreamer interface {
	StreamLogs(ctx context.Context, h Handle) (io.ReadCloser, error)
}

// Handle identifies a job realized on a backend.
type Handle struct {
	Backend   string `json:"backend"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
	Token     string `json:"token"`
}

// Phase is the backend-neutral state of a job.
type Phase string

const (
	PhasePending   Phase = "Pending"
	PhaseRunning   Phase = "Running"
	PhaseSucceeded Phase = "Succeeded"
	PhaseFailed    Phase = "Failed"
	PhaseCancelled Phase = "Cancelled"
	PhaseUnknown   Phase = "Unknown"
)

// IsTerminal reports whether the phase is final.
func (p Phase) IsTerminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed || p == PhaseCancelled
}

// RawStatus is a single observation of a job.
type RawStatus struct {
	Phase      Phase
	ExitCode   *int
	Reason     string
	Message    string
	ObservedAt time.Time
}

// StatusEvent is emitted by a Watcher.
type StatusEvent struct {
	Handle Handle
	Status RawStatus
}

// PermanentError marks a failure that retrying cannot fix, such as a
// validation rejection or an exceeded quota.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err is worth retrying. Backends classify
// their own API errors into PermanentError; timeouts, dropped connections
// and unclassified errors are transient. Caller cancellation is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func exitCode(code int) *int {
	return &code
}
