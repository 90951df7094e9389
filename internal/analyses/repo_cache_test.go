package analyses

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"t3rms-backend/internal/shared/storage/kv"
)

type fakeCache struct {
	mu      sync.Mutex
	data    map[string][]byte
	gets    int
	getErr  error
	deleted []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string][]byte)}
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.getErr != nil {
		return nil, c.getErr
	}
	v, ok := c.data[key]
	if !ok {
		return nil, kv.ErrMiss
	}
	return v, nil
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *fakeCache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
		c.deleted = append(c.deleted, k)
	}
	return nil
}

func (c *fakeCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

// countingRepo counts GetByID calls on top of a MemoryRepo.
type countingRepo struct {
	*MemoryRepo
	gets int
}

func (r *countingRepo) GetByID(ctx context.Context, id string) (Job, error) {
	r.gets++
	return r.MemoryRepo.GetByID(ctx, id)
}

func TestCachedRepoCachesOnlyTerminalJobs(t *testing.T) {
	ctx := context.Background()
	inner := &countingRepo{MemoryRepo: NewMemoryRepo()}
	cache := newFakeCache()
	repo := NewCachedRepo(inner, cache, time.Minute)

	_ = repo.Create(ctx, Job{ID: "job-1", StorageKey: "uploads/job-1.pdf"})
	_ = repo.UpdateStatus(ctx, "job-1", StatusProcessing)

	if _, err := repo.GetByID(ctx, "job-1"); err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if cache.has(jobCacheKey("job-1")) {
		t.Fatalf("non-terminal job should not be cached")
	}

	result := emptyResult()
	result.OverallScore = 64
	if err := repo.Complete(ctx, "job-1", result); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	first, _ := repo.GetByID(ctx, "job-1")
	second, _ := repo.GetByID(ctx, "job-1")
	if inner.gets != 2 {
		t.Fatalf("expected the second terminal read from cache, inner gets = %d", inner.gets)
	}
	if second.Status != StatusCompleted || second.Result == nil || second.Result.OverallScore != 64 {
		t.Fatalf("unexpected cached job: %+v", second)
	}
	if second.StorageKey != "uploads/job-1.pdf" || first.Status != second.Status {
		t.Fatalf("cached job lost fields: %+v", second)
	}
}

func TestCachedRepoInvalidatesOnWrite(t *testing.T) {
	ctx := context.Background()
	cache := newFakeCache()
	repo := NewCachedRepo(NewMemoryRepo(), cache, time.Minute)
	_ = repo.Create(ctx, Job{ID: "job-1"})

	_ = repo.Fail(ctx, "job-1", ErrorCodeInternal, "boom")
	if len(cache.deleted) != 1 || cache.deleted[0] != jobCacheKey("job-1") {
		t.Fatalf("expected invalidation on write, got %v", cache.deleted)
	}
	if err := repo.Complete(ctx, "job-1", emptyResult()); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal through the cache, got %v", err)
	}
}

func TestCachedRepoFallsBackOnCacheError(t *testing.T) {
	ctx := context.Background()
	cache := newFakeCache()
	cache.getErr = errors.New("connection refused")
	repo := NewCachedRepo(NewMemoryRepo(), cache, time.Minute)
	_ = repo.Create(ctx, Job{ID: "job-1"})

	job, err := repo.GetByID(ctx, "job-1")
	if err != nil || job.ID != "job-1" {
		t.Fatalf("expected store read on cache error, got %+v, %v", job, err)
	}
	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNewCachedRepoWithoutCache(t *testing.T) {
	inner := NewMemoryRepo()
	if got := NewCachedRepo(inner, nil, 0); got != Repo(inner) {
		t.Fatalf("expected inner repo when no cache is configured")
	}
}
