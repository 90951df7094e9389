package analyses

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"t3rms-backend/internal/events"
	"t3rms-backend/internal/extract"
	"t3rms-backend/internal/queue"
	"t3rms-backend/internal/shared/storage/object"
	"t3rms-backend/internal/shared/telemetry"
	"t3rms-backend/internal/shared/util"
)

const defaultMaxFileBytes int64 = 50 << 20

// Upload is one document submitted for analysis. OwnerID is empty for
// anonymous callers.
type Upload struct {
	OwnerID      string
	Filename     string
	ContentType  string
	Data         []byte
	DeclaredSize int64
}

// Submission is the intake outcome. Sync jobs have already run to a
// terminal status.
type Submission struct {
	Job  Job
	Sync bool
}

// Service contains business logic for analysis jobs.
type Service struct {
	Repo     Repo
	Store    object.ObjectStore
	Pipeline *Pipeline
	Queue    queue.Client
	Bus      events.Bus
	// MaxFileBytes caps uploads.
	MaxFileBytes int64
	// SyncMaxBytes lets small non-PDF uploads run inline; 0 disables.
	SyncMaxBytes int64
}

// Submit validates, stores and dispatches an upload. Validation failures
// return a *ValidationError and create nothing.
func (s *Service) Submit(ctx context.Context, up Upload) (Submission, error) {
	filename := strings.TrimSpace(up.Filename)
	if len(up.Data) == 0 || filename == "" {
		return Submission{}, &ValidationError{Kind: ErrMissingFile}
	}
	if _, err := util.SanitizeFileName(filename); err != nil {
		return Submission{}, &ValidationError{Kind: ErrMissingFile, Detail: err.Error()}
	}

	size := max(int64(len(up.Data)), up.DeclaredSize)
	if limit := s.maxFileBytes(); size > limit {
		return Submission{}, &ValidationError{
			Kind:   ErrFileTooLarge,
			Detail: fmt.Sprintf("%d bytes exceeds the %d byte limit", size, limit),
		}
	}

	mimeType := extract.NormalizeMIMEType(up.ContentType, filename, up.Data)
	if !extract.IsSupported(mimeType) {
		return Submission{}, &ValidationError{Kind: ErrUnsupportedType, Detail: mimeType}
	}

	inline := s.runsInline(mimeType, len(up.Data))
	if !inline && s.Queue == nil {
		return Submission{}, ErrJobQueueNotConfigured
	}

	obj, err := s.Store.Save(ctx, up.OwnerID, filename, mimeType, bytes.NewReader(up.Data))
	if err != nil {
		return Submission{}, &PersistenceError{Op: "save upload", Err: err}
	}

	now := time.Now().UTC()
	job := Job{
		ID:            uuid.NewString(),
		OwnerID:       up.OwnerID,
		Filename:      filename,
		FileType:      mimeType,
		FileSizeBytes: int64(len(up.Data)),
		StorageKey:    obj.Key,
		Status:        StatusQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	ctx = withJobID(ctx, job.ID)
	if err := s.Repo.Create(ctx, job); err != nil {
		return Submission{}, &PersistenceError{Op: "create job", Err: err}
	}
	if err := s.Repo.UpdateStatus(ctx, job.ID, StatusProcessing); err != nil {
		s.failDispatch(ctx, &job, err)
		return Submission{Job: job}, &PersistenceError{Op: "update status processing", Err: err}
	}
	job.Status = StatusProcessing
	job.StartedAt = &now
	s.publish(ctx, job)
	telemetry.Info("analysis.status", logFields(ctx, map[string]any{
		"owner_id":          job.OwnerID,
		"file_type":         job.FileType,
		"size_bytes":        job.FileSizeBytes,
		"status":            StatusProcessing,
		"status_transition": StatusQueued + "->" + StatusProcessing,
		"sync":              inline,
	}))

	if inline {
		if err := s.Pipeline.ProcessJob(context.WithoutCancel(ctx), job.ID); err != nil {
			return Submission{Job: job, Sync: true}, err
		}
		finished, err := s.Repo.GetByID(ctx, job.ID)
		if err != nil {
			return Submission{Job: job, Sync: true}, &PersistenceError{Op: "reload job", Err: err}
		}
		return Submission{Job: finished, Sync: true}, nil
	}

	msg := queue.NewMessage(job.ID, requestIDFromContext(ctx), now)
	if err := s.Queue.Send(ctx, msg); err != nil {
		s.failDispatch(ctx, &job, err)
		return Submission{Job: job}, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	return Submission{Job: job}, nil
}

// Get returns a job visible to ownerID. Jobs owned by someone else are
// reported as missing.
func (s *Service) Get(ctx context.Context, jobID, ownerID string) (Job, error) {
	if strings.TrimSpace(jobID) == "" {
		return Job{}, ErrNotFound
	}
	job, err := s.Repo.GetByID(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if job.OwnerID != "" && job.OwnerID != ownerID {
		return Job{}, ErrNotFound
	}
	return job, nil
}

// List returns jobs for an owner ordered newest-first.
func (s *Service) List(ctx context.Context, ownerID string, limit, offset int) ([]Job, error) {
	if ownerID == "" {
		return nil, errors.New("ownerID is required")
	}
	return s.Repo.ListByOwner(ctx, ownerID, limit, offset)
}

func (s *Service) maxFileBytes() int64 {
	if s.MaxFileBytes > 0 {
		return s.MaxFileBytes
	}
	return defaultMaxFileBytes
}

func (s *Service) runsInline(mimeType string, size int) bool {
	if s.SyncMaxBytes <= 0 || s.Pipeline == nil || extract.IsPaginated(mimeType) {
		return false
	}
	return int64(size) <= s.SyncMaxBytes
}

// failDispatch moves a job that could not be queued to error.
func (s *Service) failDispatch(ctx context.Context, job *Job, cause error) {
	message := sanitizeError(fmt.Errorf("dispatch: %w", cause))
	if err := s.Repo.Fail(backgroundWithRequestID(ctx), job.ID, ErrorCodeInternal, message); err != nil {
		telemetry.Error("analysis.stuck", logFields(ctx, map[string]any{
			"error":       message,
			"write_error": sanitizeError(err),
		}))
		return
	}
	completed := time.Now().UTC()
	job.Status = StatusError
	job.ErrorCode = ErrorCodeInternal
	job.ErrorMessage = &message
	job.CompletedAt = &completed
	s.publish(ctx, *job)
	telemetry.Error("analysis.dispatch_failed", logFields(ctx, map[string]any{
		"error": message,
	}))
}

func (s *Service) publish(ctx context.Context, job Job) {
	if s.Bus == nil {
		return
	}
	ev := events.StatusEvent{JobID: job.ID, Status: job.Status, ErrorCode: job.ErrorCode, At: time.Now().UTC()}
	if err := s.Bus.Publish(context.WithoutCancel(ctx), ev); err != nil {
		telemetry.Warn("events.publish_failed", logFields(ctx, map[string]any{"status": job.Status, "error": err.Error()}))
	}
}
