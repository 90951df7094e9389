package analyses

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"t3rms-backend/internal/extract"
	"t3rms-backend/internal/llm"
	"t3rms-backend/internal/queue"
)

type fakeQueue struct {
	mu   sync.Mutex
	sent []queue.Message
	err  error
}

func (q *fakeQueue) Send(_ context.Context, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.sent = append(q.sent, msg)
	return nil
}

func newTestService(client funcLLM) (*Service, *recordingRepo, *memStore, *fakeQueue) {
	repo := newRecordingRepo()
	store := newMemStore()
	q := &fakeQueue{}
	pipeline := &Pipeline{
		Repo:     repo,
		Store:    store,
		Planner:  &Planner{Counter: fixedCounter{pages: 5}, MaxPagesPerChunk: 40},
		Analyzer: &Analyzer{LLM: client, RetryBaseDelay: time.Millisecond},
	}
	svc := &Service{
		Repo:         repo,
		Store:        store,
		Pipeline:     pipeline,
		Queue:        q,
		MaxFileBytes: 1 << 20,
		SyncMaxBytes: 1 << 10,
	}
	return svc, repo, store, q
}

func TestSubmitValidation(t *testing.T) {
	tests := []struct {
		name   string
		upload Upload
		kind   error
	}{
		{name: "no bytes", upload: Upload{Filename: "a.pdf", ContentType: extract.MIMEPDF}, kind: ErrMissingFile},
		{name: "no filename", upload: Upload{Data: []byte("%PDF-1.4"), ContentType: extract.MIMEPDF}, kind: ErrMissingFile},
		{name: "dot filename", upload: Upload{Filename: "..", Data: []byte("x"), ContentType: extract.MIMEText}, kind: ErrMissingFile},
		{name: "too large by bytes", upload: Upload{Filename: "a.txt", ContentType: extract.MIMEText, Data: make([]byte, 2<<20)}, kind: ErrFileTooLarge},
		{name: "too large by declared size", upload: Upload{Filename: "a.txt", ContentType: extract.MIMEText, Data: []byte("x"), DeclaredSize: 5 << 20}, kind: ErrFileTooLarge},
		{name: "image", upload: Upload{Filename: "scan.png", ContentType: "image/png", Data: []byte("\x89PNG")}, kind: ErrUnsupportedType},
		{name: "unknown octet stream", upload: Upload{Filename: "blob.bin", ContentType: "application/octet-stream", Data: []byte("1234")}, kind: ErrUnsupportedType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo, store, q := newTestService(nil)
			_, err := svc.Submit(context.Background(), tt.upload)

			var validationErr *ValidationError
			if !errors.As(err, &validationErr) || !errors.Is(err, tt.kind) {
				t.Fatalf("expected validation error %v, got %v", tt.kind, err)
			}
			if len(repo.history()) != 0 || store.count() != 0 || len(q.sent) != 0 {
				t.Fatalf("validation failure must not create anything: history=%v stored=%d sent=%d",
					repo.history(), store.count(), len(q.sent))
			}
		})
	}
}

func TestSubmitAsyncQueuesJob(t *testing.T) {
	svc, repo, store, q := newTestService(nil)
	ctx := WithRequestID(context.Background(), "req-1")

	sub, err := svc.Submit(ctx, Upload{OwnerID: "user-1", Filename: "lease.pdf", ContentType: "application/pdf; charset=binary", Data: []byte("%PDF-1.4 body")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.Sync || sub.Job.Status != StatusProcessing || sub.Job.FileType != extract.MIMEPDF {
		t.Fatalf("unexpected submission: %+v", sub)
	}
	if len(q.sent) != 1 || q.sent[0].JobID != sub.Job.ID || q.sent[0].RequestID != "req-1" || q.sent[0].Version != queue.MessageVersion {
		t.Fatalf("unexpected queue messages: %+v", q.sent)
	}
	if store.count() != 1 {
		t.Fatalf("expected the upload to be stored")
	}
	stored, _ := repo.GetByID(ctx, sub.Job.ID)
	if stored.Status != StatusProcessing || stored.StartedAt == nil || stored.OwnerID != "user-1" {
		t.Fatalf("unexpected stored job: %+v", stored)
	}
	if got := repo.history(); len(got) != 2 || got[0] != StatusQueued || got[1] != StatusProcessing {
		t.Fatalf("unexpected history %v", got)
	}
}

func TestSubmitSyncRunsInline(t *testing.T) {
	client := funcLLM(func(context.Context, llm.Request) (string, error) {
		return chunkJSON(82, "Termination", "medium"), nil
	})
	svc, _, _, q := newTestService(client)

	sub, err := svc.Submit(context.Background(), Upload{Filename: "terms.txt", ContentType: "text/plain; charset=utf-8", Data: []byte("The tenant shall pay rent.")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !sub.Sync || sub.Job.Status != StatusCompleted {
		t.Fatalf("expected finished sync job, got %+v", sub)
	}
	if sub.Job.Result == nil || sub.Job.Result.OverallScore != 82 {
		t.Fatalf("expected model score, got %+v", sub.Job.Result)
	}
	if len(q.sent) != 0 {
		t.Fatalf("sync job should not be queued")
	}
}

func TestSubmitSyncFailureReturnsErrorJob(t *testing.T) {
	client := funcLLM(func(context.Context, llm.Request) (string, error) {
		return "no json here", nil
	})
	svc, _, _, _ := newTestService(client)

	sub, err := svc.Submit(context.Background(), Upload{Filename: "terms.txt", ContentType: extract.MIMEText, Data: []byte("text")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.Job.Status != StatusError || sub.Job.ErrorMessage == nil || sub.Job.Result != nil {
		t.Fatalf("expected error job, got %+v", sub.Job)
	}
}

func TestSubmitQueueFailureMarksJobError(t *testing.T) {
	svc, repo, _, _ := newTestService(nil)
	var attempted []string
	svc.Queue = queue.SendFunc(func(_ context.Context, msg queue.Message) error {
		attempted = append(attempted, msg.JobID)
		return errors.New("sqs throttled")
	})

	sub, err := svc.Submit(context.Background(), Upload{Filename: "a.pdf", Data: []byte("%PDF-1.7")})
	if !errors.Is(err, ErrQueueUnavailable) {
		t.Fatalf("expected ErrQueueUnavailable, got %v", err)
	}
	if len(attempted) != 1 || attempted[0] != sub.Job.ID {
		t.Fatalf("expected one send for %s, got %v", sub.Job.ID, attempted)
	}
	stored, _ := repo.GetByID(context.Background(), sub.Job.ID)
	if stored.Status != StatusError || stored.ErrorMessage == nil || !strings.Contains(*stored.ErrorMessage, "sqs throttled") {
		t.Fatalf("expected stored error status, got %+v", stored)
	}
}

func TestSubmitStatusWriteFailureMarksJobError(t *testing.T) {
	svc, repo, _, q := newTestService(nil)
	repo.statusErr = map[string]error{StatusProcessing: errors.New("db down")}

	sub, err := svc.Submit(context.Background(), Upload{Filename: "a.pdf", Data: []byte("%PDF-1.7")})
	var persistErr *PersistenceError
	if !errors.As(err, &persistErr) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if len(q.sent) != 0 {
		t.Fatalf("a job that never reached processing must not be queued")
	}
	stored, getErr := repo.GetByID(context.Background(), sub.Job.ID)
	if getErr != nil {
		t.Fatalf("GetByID: %v", getErr)
	}
	if stored.Status != StatusError || stored.ErrorCode != ErrorCodeInternal || stored.ErrorMessage == nil {
		t.Fatalf("expected the row to end in error, got %+v", stored)
	}
	if !strings.Contains(*stored.ErrorMessage, "db down") {
		t.Fatalf("unexpected error message %q", *stored.ErrorMessage)
	}
}

func TestSubmitWithoutQueue(t *testing.T) {
	svc, repo, store, _ := newTestService(nil)
	svc.Queue = nil
	_, err := svc.Submit(context.Background(), Upload{Filename: "a.pdf", Data: []byte("%PDF-1.7")})
	if !errors.Is(err, ErrJobQueueNotConfigured) {
		t.Fatalf("expected ErrJobQueueNotConfigured, got %v", err)
	}
	if len(repo.history()) != 0 || store.count() != 0 {
		t.Fatalf("nothing should be created without a queue")
	}
}

func TestSubmitStoreFailure(t *testing.T) {
	svc, repo, store, _ := newTestService(nil)
	store.saveErr = errors.New("disk full")
	_, err := svc.Submit(context.Background(), Upload{Filename: "a.pdf", Data: []byte("%PDF-1.7")})
	var persistErr *PersistenceError
	if !errors.As(err, &persistErr) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if len(repo.history()) != 0 {
		t.Fatalf("no row should exist when the upload cannot be stored")
	}
}

func TestServiceGetHidesOtherOwners(t *testing.T) {
	svc, repo, _, _ := newTestService(nil)
	ctx := context.Background()
	_ = repo.Create(ctx, Job{ID: "mine", OwnerID: "user-1"})
	_ = repo.Create(ctx, Job{ID: "anon"})

	if _, err := svc.Get(ctx, "mine", "user-1"); err != nil {
		t.Fatalf("owner should see job: %v", err)
	}
	if _, err := svc.Get(ctx, "mine", "user-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another owner, got %v", err)
	}
	if _, err := svc.Get(ctx, "mine", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for anonymous caller, got %v", err)
	}
	if _, err := svc.Get(ctx, "anon", ""); err != nil {
		t.Fatalf("anonymous job should be readable by id: %v", err)
	}
	if _, err := svc.List(ctx, "", 10, 0); err == nil {
		t.Fatalf("expected List to require an owner")
	}
}
