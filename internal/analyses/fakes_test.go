package analyses

import (
	"bytes"
	"context"
	"io"
	"sync"

	"t3rms-backend/internal/llm"
	"t3rms-backend/internal/shared/storage/object"
)

// funcLLM adapts a function to llm.Client.
type funcLLM func(ctx context.Context, req llm.Request) (string, error)

func (f funcLLM) Complete(ctx context.Context, req llm.Request) (string, error) { return f(ctx, req) }
func (f funcLLM) Provider() string { return "fake" }

// memStore is an in-memory object store.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) Save(_ context.Context, ownerID, fileName, contentType string, r io.Reader) (object.Object, error) {
	if s.saveErr != nil {
		return object.Object{}, s.saveErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return object.Object{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := "uploads/" + ownerID + "/" + fileName
	s.objects[key] = data
	return object.Object{Key: key, SizeBytes: int64(len(data)), ContentType: contentType}, nil
}

func (s *memStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, object.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// recordingRepo records every successful status write.
type recordingRepo struct {
	*MemoryRepo
	mu       sync.Mutex
	statuses []string
	failErr  error
	// statusErr rejects UpdateStatus for the given status.
	statusErr map[string]error
}

func newRecordingRepo() *recordingRepo {
	return &recordingRepo{MemoryRepo: NewMemoryRepo()}
}

func (r *recordingRepo) record(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *recordingRepo) history() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

func (r *recordingRepo) Create(ctx context.Context, job Job) error {
	if err := r.MemoryRepo.Create(ctx, job); err != nil {
		return err
	}
	r.record(job.Status)
	return nil
}

func (r *recordingRepo) UpdateStatus(ctx context.Context, id, status string) error {
	if err := r.statusErr[status]; err != nil {
		return err
	}
	if err := r.MemoryRepo.UpdateStatus(ctx, id, status); err != nil {
		return err
	}
	r.record(status)
	return nil
}

func (r *recordingRepo) Complete(ctx context.Context, id string, result Result) error {
	if err := r.MemoryRepo.Complete(ctx, id, result); err != nil {
		return err
	}
	r.record(StatusCompleted)
	return nil
}

func (r *recordingRepo) Fail(ctx context.Context, id, code, message string) error {
	if r.failErr != nil {
		return r.failErr
	}
	if err := r.MemoryRepo.Fail(ctx, id, code, message); err != nil {
		return err
	}
	r.record(StatusError)
	return nil
}
