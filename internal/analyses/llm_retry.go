package analyses

import (
	"context"
	"time"

	"t3rms-backend/internal/llm"
	"t3rms-backend/internal/shared/metrics"
	"t3rms-backend/internal/shared/telemetry"
)

const (
	defaultLLMTimeout        = 120 * time.Second
	defaultLLMMaxRetries     = 2
	defaultLLMRetryBaseDelay = 300 * time.Millisecond
)

// retryingLLM runs each attempt under its own timeout and retries transient
// failures with doubling backoff.
type retryingLLM struct {
	base       llm.Client
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
	jobID      string
	chunk      int
}

func (r retryingLLM) Provider() string { return r.base.Provider() }

func (r retryingLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	delay := r.baseDelay
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.IncLLMRetry(r.base.Provider())
			telemetry.Warn("llm.retry", map[string]any{
				"request_id": requestIDFromContext(ctx),
				"job_id":     r.jobID,
				"chunk":      r.chunk,
				"attempt":    attempt,
				"delay_ms":   delay.Milliseconds(),
				"error":      sanitizeError(lastErr),
			})
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			delay *= 2
		}

		out, err := r.attempt(ctx, req)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil || !llm.IsRetryable(err) {
			break
		}
	}
	return "", lastErr
}

func (r retryingLLM) attempt(ctx context.Context, req llm.Request) (string, error) {
	attemptCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	start := time.Now()
	out, err := r.base.Complete(attemptCtx, req)
	metrics.ObserveLLMCall(r.base.Provider(), err == nil, float64(time.Since(start).Milliseconds()))
	return out, err
}
