package analyses

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"t3rms-backend/internal/events"
	"t3rms-backend/internal/shared/metrics"
	"t3rms-backend/internal/shared/storage/object"
	"t3rms-backend/internal/shared/telemetry"
)

// Pipeline runs Planner, Analyzer and aggregation for one job and owns every
// status write after intake.
type Pipeline struct {
	Repo     Repo
	Store    object.ObjectStore
	Planner  *Planner
	Analyzer *Analyzer
	Bus      events.Bus
	// ChunkConcurrency bounds parallel chunk calls; values below 2 run
	// chunks sequentially.
	ChunkConcurrency int
	// LeaseTTL is how long a claim survives without renewal.
	LeaseTTL time.Duration
}

const defaultLeaseTTL = 2 * time.Minute

// ProcessJob analyzes the job to a terminal status. Terminal jobs are left
// alone. A nil return means the job needs no further delivery; an error
// means the job was not finished and the message should be retried. A job
// leased by another delivery returns ErrLeased without touching the row.
func (p *Pipeline) ProcessJob(ctx context.Context, jobID string) error {
	start := time.Now()
	ctx = withJobID(ctx, jobID)
	job, err := p.Repo.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		return &PersistenceError{Op: "load job", Err: err}
	}
	if IsTerminal(job.Status) {
		p.skipped(ctx, job)
		return nil
	}

	holder := uuid.NewString()
	if err := p.Repo.Claim(ctx, job.ID, holder, p.leaseTTL()); err != nil {
		switch {
		case errors.Is(err, ErrTerminal):
			p.skipped(ctx, job)
			return nil
		case errors.Is(err, ErrLeased):
			telemetry.Info("analysis.leased", logFields(ctx, map[string]any{
				"status": job.Status,
			}))
			return fmt.Errorf("job %s: %w", job.ID, ErrLeased)
		case errors.Is(err, ErrNotFound):
			return fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
		default:
			return &PersistenceError{Op: "claim job", Err: err}
		}
	}
	leaseCtx, release := p.holdLease(ctx, job.ID, holder)
	defer release()

	return p.run(leaseCtx, &job, start)
}

func (p *Pipeline) run(ctx context.Context, job *Job, start time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = p.fail(ctx, job, fmt.Errorf("panic: %v", r), start)
		}
	}()
	metrics.IncAnalysisStarted()

	if job.Status == StatusQueued {
		if err := p.setStatus(ctx, job, StatusProcessing); err != nil {
			return p.fail(ctx, job, err, start)
		}
	}

	result, err := p.analyze(ctx, job)
	if err != nil {
		return p.fail(ctx, job, err, start)
	}

	if err := p.Repo.Complete(ctx, job.ID, result); err != nil {
		if errors.Is(err, ErrTerminal) {
			return nil
		}
		return p.fail(ctx, job, &PersistenceError{Op: "complete", Err: err}, start)
	}
	p.transitioned(ctx, job, StatusCompleted, "")

	durationMs := float64(time.Since(start).Milliseconds())
	metrics.IncAnalysisCompleted()
	metrics.ObserveAnalysisDurationMs(durationMs)
	telemetry.Info("analysis.completed", logFields(ctx, map[string]any{
		"owner_id":      job.OwnerID,
		"chunk_count":   job.ChunkCount,
		"overall_score": result.OverallScore,
		"duration_ms":   durationMs,
	}))
	return nil
}

func (p *Pipeline) skipped(ctx context.Context, job Job) {
	telemetry.Info("analysis.skipped", logFields(ctx, map[string]any{
		"status": job.Status,
	}))
}

func (p *Pipeline) leaseTTL() time.Duration {
	if p.LeaseTTL > 0 {
		return p.LeaseTTL
	}
	return defaultLeaseTTL
}

// holdLease renews the lease in the background until release is called.
// Losing the lease to another delivery cancels the returned context, which
// stops this run without recording a failure.
func (p *Pipeline) holdLease(ctx context.Context, jobID, holder string) (context.Context, func()) {
	ttl := p.leaseTTL()
	leaseCtx, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(max(ttl/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-leaseCtx.Done():
				return
			case <-ticker.C:
			}
			err := p.Repo.Claim(leaseCtx, jobID, holder, ttl)
			switch {
			case err == nil, errors.Is(err, ErrTerminal):
			case errors.Is(err, ErrLeased):
				telemetry.Warn("analysis.lease_lost", logFields(ctx, nil))
				cancel(ErrLeased)
				return
			default:
				if leaseCtx.Err() != nil {
					return
				}
				telemetry.Warn("analysis.lease_renew_failed", logFields(ctx, map[string]any{
					"error": sanitizeError(err),
				}))
			}
		}
	}()

	return leaseCtx, func() {
		close(stop)
		wg.Wait()
		cancel(nil)
		if err := p.Repo.Release(backgroundWithRequestID(ctx), jobID, holder); err != nil {
			telemetry.Warn("analysis.lease_release_failed", logFields(ctx, map[string]any{
				"error": sanitizeError(err),
			}))
		}
	}
}

func (p *Pipeline) analyze(ctx context.Context, job *Job) (Result, error) {
	data, err := object.ReadAll(ctx, p.Store, job.StorageKey)
	if err != nil {
		return Result{}, &PersistenceError{Op: "read upload", Err: err}
	}
	doc := SourceDocument{
		JobID:    job.ID,
		Filename: job.Filename,
		MIMEType: job.FileType,
		Data:     data,
	}

	plan := p.Planner.Plan(data, job.FileType)
	if plan.PagesEstimated {
		telemetry.Warn("analysis.pages_estimated", logFields(ctx, map[string]any{
			"total_pages": plan.TotalPages,
			"size_bytes":  len(data),
		}))
	}

	if len(plan.Chunks) == 1 {
		if err := p.setChunkCount(ctx, job, 1); err != nil {
			return Result{}, err
		}
		chunk, err := p.Analyzer.AnalyzeChunk(ctx, doc, plan.Chunks[0])
		if err != nil {
			return Result{}, err
		}
		return chunk.Result(), nil
	}

	if err := p.setStatus(ctx, job, StatusChunking); err != nil {
		return Result{}, err
	}
	if err := p.setChunkCount(ctx, job, len(plan.Chunks)); err != nil {
		return Result{}, err
	}
	chunks, err := p.analyzeChunks(ctx, job, doc, plan.Chunks)
	if err != nil {
		return Result{}, err
	}
	if err := p.setStatus(ctx, job, StatusFinalizing); err != nil {
		return Result{}, err
	}
	return MergeAndScore(chunks), nil
}

// analyzeChunks dispatches chunks in order from the calling goroutine, which
// is the only one that writes statuses. Results land at their chunk index.
func (p *Pipeline) analyzeChunks(ctx context.Context, job *Job, doc SourceDocument, chunks []Chunk) ([]ChunkResult, error) {
	limit := max(p.ChunkConcurrency, 1)
	results := make([]ChunkResult, len(chunks))
	slots := make(chan struct{}, limit)
	g, gctx := errgroup.WithContext(ctx)

	var dispatchErr error
dispatch:
	for _, chunk := range chunks {
		select {
		case slots <- struct{}{}:
		case <-gctx.Done():
			break dispatch
		}
		if gctx.Err() != nil {
			<-slots
			break
		}
		if err := p.setStatus(gctx, job, ChunkStatus(chunk.Index+1, chunk.Count)); err != nil {
			<-slots
			dispatchErr = err
			break
		}

		g.Go(func() (err error) {
			defer func() { <-slots }()
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("chunk %d: panic: %v", chunk.Index+1, r)
				}
			}()
			res, err := p.Analyzer.AnalyzeChunk(gctx, doc, chunk)
			if err != nil {
				return err
			}
			results[chunk.Index] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if dispatchErr != nil {
		return nil, dispatchErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *Pipeline) setStatus(ctx context.Context, job *Job, status string) error {
	if err := p.Repo.UpdateStatus(ctx, job.ID, status); err != nil {
		return &PersistenceError{Op: "update status " + status, Err: err}
	}
	p.transitioned(ctx, job, status, "")
	return nil
}

func (p *Pipeline) setChunkCount(ctx context.Context, job *Job, count int) error {
	if err := p.Repo.SetChunkCount(ctx, job.ID, count); err != nil {
		return &PersistenceError{Op: "set chunk count", Err: err}
	}
	job.ChunkCount = count
	return nil
}

// transitioned records a successful status write and publishes it.
func (p *Pipeline) transitioned(ctx context.Context, job *Job, status, errorCode string) {
	previous := job.Status
	job.Status = status
	telemetry.Info("analysis.status", logFields(ctx, map[string]any{
		"owner_id":          job.OwnerID,
		"status":            status,
		"status_transition": previous + "->" + status,
	}))

	if p.Bus == nil {
		return
	}
	ev := events.StatusEvent{
		JobID:      job.ID,
		Status:     status,
		ChunkCount: job.ChunkCount,
		ErrorCode:  errorCode,
		At:         time.Now().UTC(),
	}
	if err := p.Bus.Publish(context.WithoutCancel(ctx), ev); err != nil {
		telemetry.Warn("events.publish_failed", logFields(ctx, map[string]any{
			"status": status,
			"error":  err.Error(),
		}))
	}
}

// fail records the terminal error. When ctx itself ended (shutdown), the row
// is left as is and the error is returned so the message is redelivered.
func (p *Pipeline) fail(ctx context.Context, job *Job, cause error, start time.Time) error {
	if ctx.Err() != nil {
		telemetry.Warn("analysis.interrupted", logFields(ctx, map[string]any{
			"status": job.Status,
			"error":  sanitizeError(cause),
		}))
		return fmt.Errorf("job %s interrupted: %w", job.ID, cause)
	}

	code := classifyFailure(cause)
	message := sanitizeError(cause)
	durationMs := float64(time.Since(start).Milliseconds())
	metrics.IncAnalysisFailed(code)
	metrics.ObserveAnalysisDurationMs(durationMs)

	bg := backgroundWithRequestID(ctx)
	if err := p.Repo.Fail(bg, job.ID, code, message); err != nil {
		if errors.Is(err, ErrTerminal) {
			return nil
		}
		telemetry.Error("analysis.stuck", logFields(ctx, map[string]any{
			"status":      job.Status,
			"error_code":  code,
			"error":       message,
			"write_error": sanitizeError(err),
		}))
		return fmt.Errorf("job %s: record failure: %w", job.ID, err)
	}

	telemetry.Error("analysis.failed", logFields(ctx, map[string]any{
		"owner_id":    job.OwnerID,
		"status":      job.Status,
		"error_code":  code,
		"error":       message,
		"duration_ms": durationMs,
	}))
	p.transitioned(bg, job, StatusError, code)
	return nil
}
