package submission

import (
	"errors"
	"fmt"
)

// ErrSubmissionFailed matches every SubmissionFailedError.
var ErrSubmissionFailed = errors.New("submission failed")

// SubmissionFailedError is returned when transient failures exhausted the
// attempt budget.
type SubmissionFailedError struct {
	Attempts int
	Err      error
}

func (e *SubmissionFailedError) Error() string {
	return fmt.Sprintf("submission failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *SubmissionFailedError) Is(target error) bool {
	return target == ErrSubmissionFailed
}

func (e *SubmissionFailedError) Unwrap() error {
	return e.Err
}

// RejectedError is returned when the control plane permanently refused the job.
type RejectedError struct {
	Err error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("submission rejected: %v", e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}
