package domain

import (
	"context"
	"time"
)

// JobRepository defines persistence for job records on the admission and
// retrieval paths.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	FindDoneByHash(ctx context.Context, ownerID, contentHash string) (*Job, error)
	GetForOwner(ctx context.Context, jobID, ownerID string) (*Job, error)
	ListForOwner(ctx context.Context, ownerID string, limit, offset int) ([]Job, error)
	ListStaleClaims(ctx context.Context, olderThan time.Duration) ([]Job, error)
}

// JobQueue is the worker-side view of the job table. Every method is a single
// atomic read-modify-write against the store.
type JobQueue interface {
	// TryClaimNext claims the oldest queued job for workerID, or returns
	// ErrNoJobAvailable.
	TryClaimNext(ctx context.Context, workerID string) (*Job, error)
	// Complete moves a job claimed by workerID to done.
	Complete(ctx context.Context, jobID, workerID string, result Result) error
	// Fail moves a job claimed by workerID to error. partial may carry the
	// artifacts collected before the failure.
	Fail(ctx context.Context, jobID, workerID, message string, partial *Result) error
}

// JobStore is implemented by both persistence backends.
type JobStore interface {
	JobRepository
	JobQueue
}
