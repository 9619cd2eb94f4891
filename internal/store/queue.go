// Package store contains the database layer for poolplane.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Queue is the durable hand-off between the controller and workers.
// A claimed request stays hidden until its visibility deadline passes, so
// a worker that dies mid-job lets another worker pick the request up again.
type Queue interface {
	// Enqueue adds a job request; it becomes claimable at visibleAfter.
	Enqueue(ctx context.Context, tx DBTransaction, req JobRequest, visibleAfter time.Time) (int64, error)

	// Claim takes up to limit visible requests, oldest first, skipping rows
	// other workers hold. An empty pools list means any pool. Returns nil
	// when nothing is claimable.
	Claim(ctx context.Context, pools []string, limit int) ([]JobRequest, error)

	// SetVisibleAfter moves a request's visibility deadline. Workers use it
	// as a heartbeat and to hand a request back with a delay. Returns
	// ErrNotFound when the request is no longer queued.
	SetVisibleAfter(ctx context.Context, tx DBTransaction, jobID uuid.UUID, visibleAfter time.Time) error

	// Count returns the number of queued requests, claimed or not.
	Count(ctx context.Context) (int64, error)
}
