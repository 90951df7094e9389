package analyses

import (
	"context"
	"time"
)

// Repo persists jobs. Every write to a row in a terminal status fails with
// ErrTerminal; writes to a missing row fail with ErrNotFound.
type Repo interface {
	Create(ctx context.Context, job Job) error
	GetByID(ctx context.Context, jobID string) (Job, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Job, error)
	// UpdateStatus moves the job to a non-terminal status. Entering
	// processing stamps startedAt once.
	UpdateStatus(ctx context.Context, jobID, status string) error
	SetChunkCount(ctx context.Context, jobID string, count int) error
	// Complete stores the result and moves the job to completed.
	Complete(ctx context.Context, jobID string, result Result) error
	// Fail stores the error and moves the job to error.
	Fail(ctx context.Context, jobID, code, message string) error
	// Claim takes the processing lease on a non-terminal job for ttl. The
	// current holder may claim again to renew; anyone else gets ErrLeased
	// until the lease expires.
	Claim(ctx context.Context, jobID, holder string, ttl time.Duration) error
	// Release drops holder's lease. It is a no-op when holder no longer
	// owns the lease.
	Release(ctx context.Context, jobID, holder string) error
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
