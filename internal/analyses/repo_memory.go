package analyses

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepo stores jobs in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu      sync.RWMutex
	byID    map[string]Job
	byOwner map[string][]string
	leases  map[string]lease
	now     func() time.Time
}

type lease struct {
	holder string
	until  time.Time
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID:    make(map[string]Job),
		byOwner: make(map[string][]string),
		leases:  make(map[string]lease),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create stores the job.
func (r *MemoryRepo) Create(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.Status == "" {
		job.Status = StatusQueued
	}
	now := r.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	r.byID[job.ID] = cloneJob(job)
	if job.OwnerID != "" {
		r.byOwner[job.OwnerID] = append(r.byOwner[job.OwnerID], job.ID)
	}
	return nil
}

// GetByID returns a copy of the job.
func (r *MemoryRepo) GetByID(ctx context.Context, jobID string) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.byID[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return cloneJob(job), nil
}

// ListByOwner returns the owner's jobs newest first.
func (r *MemoryRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit, offset = normalizePage(limit, offset)
	r.mu.RLock()
	ids := r.byOwner[ownerID]
	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		jobs = append(jobs, cloneJob(r.byID[id]))
	}
	r.mu.RUnlock()

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if offset >= len(jobs) {
		return []Job{}, nil
	}
	end := min(offset+limit, len(jobs))
	return jobs[offset:end], nil
}

// UpdateStatus moves a non-terminal job to another non-terminal status.
func (r *MemoryRepo) UpdateStatus(ctx context.Context, jobID, status string) error {
	if IsTerminal(status) || !IsValidStatus(status) {
		return fmt.Errorf("invalid status transition to %q", status)
	}
	return r.mutate(ctx, jobID, func(job *Job, now time.Time) {
		job.Status = status
		if status == StatusProcessing && job.StartedAt == nil {
			job.StartedAt = &now
		}
	})
}

// SetChunkCount records how many chunks the job was split into.
func (r *MemoryRepo) SetChunkCount(ctx context.Context, jobID string, count int) error {
	return r.mutate(ctx, jobID, func(job *Job, _ time.Time) {
		job.ChunkCount = count
	})
}

// Complete stores the result and finishes the job.
func (r *MemoryRepo) Complete(ctx context.Context, jobID string, result Result) error {
	return r.mutate(ctx, jobID, func(job *Job, now time.Time) {
		res := result
		job.Status = StatusCompleted
		job.Result = &res
		job.ErrorCode = ""
		job.ErrorMessage = nil
		job.CompletedAt = &now
	})
}

// Fail records the error and finishes the job.
func (r *MemoryRepo) Fail(ctx context.Context, jobID, code, message string) error {
	return r.mutate(ctx, jobID, func(job *Job, now time.Time) {
		msg := message
		job.Status = StatusError
		job.Result = nil
		job.ErrorCode = code
		job.ErrorMessage = &msg
		job.CompletedAt = &now
	})
}

// Claim takes or renews the processing lease.
func (r *MemoryRepo) Claim(ctx context.Context, jobID, holder string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[jobID]
	if !ok {
		return ErrNotFound
	}
	if IsTerminal(job.Status) {
		return ErrTerminal
	}
	now := r.now()
	if current, held := r.leases[jobID]; held && current.holder != holder && now.Before(current.until) {
		return ErrLeased
	}
	r.leases[jobID] = lease{holder: holder, until: now.Add(ttl)}
	return nil
}

// Release drops the lease when holder still owns it.
func (r *MemoryRepo) Release(ctx context.Context, jobID, holder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, held := r.leases[jobID]; held && current.holder == holder {
		delete(r.leases, jobID)
	}
	return nil
}

func (r *MemoryRepo) mutate(ctx context.Context, jobID string, apply func(job *Job, now time.Time)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[jobID]
	if !ok {
		return ErrNotFound
	}
	if IsTerminal(job.Status) {
		return ErrTerminal
	}
	now := r.now()
	apply(&job, now)
	job.UpdatedAt = now
	r.byID[jobID] = job
	return nil
}

// cloneJob copies the pointer fields so callers never share state with the
// stored row.
func cloneJob(job Job) Job {
	if job.Result != nil {
		res := cloneResult(*job.Result)
		job.Result = &res
	}
	if job.ErrorMessage != nil {
		msg := *job.ErrorMessage
		job.ErrorMessage = &msg
	}
	if job.StartedAt != nil {
		t := *job.StartedAt
		job.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		job.CompletedAt = &t
	}
	return job
}

func cloneResult(r Result) Result {
	r.CriticalPoints = append([]Finding{}, r.CriticalPoints...)
	r.FinancialRisks = append([]Finding{}, r.FinancialRisks...)
	r.UnusualLanguage = append([]Finding{}, r.UnusualLanguage...)
	r.Recommendations = append([]Recommendation{}, r.Recommendations...)
	return r
}
