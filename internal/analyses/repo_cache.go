package analyses

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"t3rms-backend/internal/shared/metrics"
	"t3rms-backend/internal/shared/storage/kv"
	"t3rms-backend/internal/shared/telemetry"
)

const defaultCacheTTL = 10 * time.Minute

var _ Repo = (*CachedRepo)(nil)

// CachedRepo fronts GetByID with a read-through cache. Only terminal jobs are
// cached, and every write drops the key, so a cached read never disagrees
// with the store.
type CachedRepo struct {
	inner Repo
	cache kv.Cache
	ttl   time.Duration
}

// NewCachedRepo wraps inner. A nil cache returns inner unchanged.
func NewCachedRepo(inner Repo, cache kv.Cache, ttl time.Duration) Repo {
	if cache == nil {
		return inner
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedRepo{inner: inner, cache: cache, ttl: ttl}
}

func jobCacheKey(jobID string) string {
	return "t3rms:job:" + jobID
}

func (r *CachedRepo) Create(ctx context.Context, job Job) error {
	return r.inner.Create(ctx, job)
}

func (r *CachedRepo) GetByID(ctx context.Context, jobID string) (Job, error) {
	key := jobCacheKey(jobID)
	raw, err := r.cache.Get(ctx, key)
	switch {
	case err == nil:
		var view cachedJobView
		if json.Unmarshal(raw, &view) == nil {
			metrics.IncCacheRequest("hit")
			view.Job.StorageKey = view.StorageKey
			return view.Job, nil
		}
		metrics.IncCacheRequest("error")
	case errors.Is(err, kv.ErrMiss):
		metrics.IncCacheRequest("miss")
	default:
		metrics.IncCacheRequest("error")
		telemetry.Warn("cache.get_failed", map[string]any{"job_id": jobID, "error": err.Error()})
	}

	job, err := r.inner.GetByID(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if IsTerminal(job.Status) {
		if payload, err := json.Marshal(cachedJob(job)); err == nil {
			if err := r.cache.Set(ctx, key, payload, r.ttl); err != nil {
				telemetry.Warn("cache.set_failed", map[string]any{"job_id": jobID, "error": err.Error()})
			}
		}
	}
	return job, nil
}

func (r *CachedRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Job, error) {
	return r.inner.ListByOwner(ctx, ownerID, limit, offset)
}

func (r *CachedRepo) UpdateStatus(ctx context.Context, jobID, status string) error {
	return r.write(ctx, jobID, func() error { return r.inner.UpdateStatus(ctx, jobID, status) })
}

func (r *CachedRepo) SetChunkCount(ctx context.Context, jobID string, count int) error {
	return r.write(ctx, jobID, func() error { return r.inner.SetChunkCount(ctx, jobID, count) })
}

func (r *CachedRepo) Complete(ctx context.Context, jobID string, result Result) error {
	return r.write(ctx, jobID, func() error { return r.inner.Complete(ctx, jobID, result) })
}

func (r *CachedRepo) Fail(ctx context.Context, jobID, code, message string) error {
	return r.write(ctx, jobID, func() error { return r.inner.Fail(ctx, jobID, code, message) })
}

// Leases are not part of the cached view, so claims skip invalidation.
func (r *CachedRepo) Claim(ctx context.Context, jobID, holder string, ttl time.Duration) error {
	return r.inner.Claim(ctx, jobID, holder, ttl)
}

func (r *CachedRepo) Release(ctx context.Context, jobID, holder string) error {
	return r.inner.Release(ctx, jobID, holder)
}

func (r *CachedRepo) write(ctx context.Context, jobID string, fn func() error) error {
	err := fn()
	if delErr := r.cache.Del(ctx, jobCacheKey(jobID)); delErr != nil {
		telemetry.Warn("cache.invalidate_failed", map[string]any{"job_id": jobID, "error": delErr.Error()})
	}
	return err
}

// cachedJobView keeps the storage key, which the JSON view omits.
type cachedJobView struct {
	Job
	StorageKey string `json:"storageKey"`
}

func cachedJob(job Job) cachedJobView {
	return cachedJobView{Job: job, StorageKey: job.StorageKey}
}
