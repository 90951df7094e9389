package analyses

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"t3rms-backend/internal/events"
	"t3rms-backend/internal/shared/server/middleware"
	"t3rms-backend/internal/shared/server/respond"
	"t3rms-backend/internal/shared/telemetry"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultHeartbeat    = 15 * time.Second
	// Room for multipart framing and base64 expansion on top of the file limit.
	bodyOverheadBytes = 1 << 20
)

// Handler wires HTTP handlers to the analyses service.
type Handler struct {
	Svc          *Service
	Bus          events.Bus
	PollInterval time.Duration
	Heartbeat    time.Duration
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service, bus events.Bus) *Handler {
	return &Handler{Svc: svc, Bus: bus}
}

// RegisterRoutes attaches analysis routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/analyses", h.submit)
	rg.GET("/analyses", h.list)
	rg.GET("/analyses/:id", h.get)
	rg.GET("/analyses/:id/events", h.streamEvents)
}

type jsonUpload struct {
	Filename      string `json:"filename"`
	FileType      string `json:"fileType"`
	Data          string `json:"data"`
	FileSizeBytes int64  `json:"fileSizeBytes"`
}

func (h *Handler) submit(c *gin.Context) {
	ctx := requestContext(c)

	up, err := h.readUpload(c)
	if err != nil {
		h.submitError(c, err)
		return
	}
	up.OwnerID = middleware.UserIDFromContext(c)

	sub, err := h.Svc.Submit(ctx, up)
	middleware.TagJob(c, sub.Job.ID)
	if err != nil {
		h.submitError(c, err)
		return
	}

	if !sub.Sync {
		c.Set("statusTransition", StatusQueued+"->"+StatusProcessing)
		respond.Accepted(c, c.FullPath()+"/"+sub.Job.ID, gin.H{
			"status": sub.Job.Status,
			"jobId":  sub.Job.ID,
		})
		return
	}

	resp := gin.H{
		"status": sub.Job.Status,
		"jobId":  sub.Job.ID,
	}
	if sub.Job.Result != nil {
		resp["result"] = sub.Job.Result
	}
	if sub.Job.ErrorMessage != nil {
		resp["errorMessage"] = *sub.Job.ErrorMessage
		resp["errorCode"] = sub.Job.ErrorCode
	}
	respond.JSON(c, http.StatusOK, resp)
}

func (h *Handler) readUpload(c *gin.Context) (Upload, error) {
	limit := h.Svc.maxFileBytes()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 2*limit+bodyOverheadBytes)

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		return readMultipartUpload(c)
	}

	var body jsonUpload
	if err := c.ShouldBindJSON(&body); err != nil {
		if isBodyTooLarge(err) {
			return Upload{}, &ValidationError{Kind: ErrFileTooLarge}
		}
		return Upload{}, &ValidationError{Kind: ErrMissingFile, Detail: "expected multipart field \"file\" or a JSON body"}
	}
	data, err := base64.StdEncoding.DecodeString(body.Data)
	if err != nil {
		return Upload{}, &ValidationError{Kind: ErrMissingFile, Detail: "data is not valid base64"}
	}
	return Upload{
		Filename:     body.Filename,
		ContentType:  body.FileType,
		Data:         data,
		DeclaredSize: body.FileSizeBytes,
	}, nil
}

func readMultipartUpload(c *gin.Context) (Upload, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		if isBodyTooLarge(err) {
			return Upload{}, &ValidationError{Kind: ErrFileTooLarge}
		}
		return Upload{}, &ValidationError{Kind: ErrMissingFile}
	}
	f, err := fh.Open()
	if err != nil {
		return Upload{}, fmt.Errorf("open form file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return Upload{}, fmt.Errorf("read form file: %w", err)
	}
	return Upload{
		Filename:     fh.Filename,
		ContentType:  fh.Header.Get("Content-Type"),
		Data:         data,
		DeclaredSize: fh.Size,
	}, nil
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func (h *Handler) submitError(c *gin.Context, err error) {
	var validationErr *ValidationError
	switch {
	case errors.As(err, &validationErr):
		status := http.StatusBadRequest
		if errors.Is(validationErr.Kind, ErrFileTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		respond.Error(c, status, validationErr.Kind.Error(), validationMessage(validationErr), nil)
	case errors.Is(err, ErrQueueUnavailable), errors.Is(err, ErrJobQueueNotConfigured):
		respond.Error(c, http.StatusServiceUnavailable, "queue_unavailable", "analysis queue is unavailable, try again later", nil)
	default:
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to start analysis", nil)
	}
}

func validationMessage(err *ValidationError) string {
	switch {
	case errors.Is(err.Kind, ErrFileTooLarge):
		return "file exceeds the maximum allowed size"
	case errors.Is(err.Kind, ErrUnsupportedType):
		return "only PDF, DOCX and plain text files are supported"
	default:
		return "a non-empty file is required"
	}
}

func (h *Handler) get(c *gin.Context) {
	jobID := c.Param("id")
	middleware.TagJob(c, jobID)

	job, err := h.Svc.Get(requestContext(c), jobID, middleware.UserIDFromContext(c))
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "analysis not found", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch analysis", nil)
		}
		return
	}
	respond.OK(c, jobView(job))
}

func (h *Handler) list(c *gin.Context) {
	if !middleware.IsAuthenticated(c) {
		respond.Error(c, http.StatusUnauthorized, "login_required", "Login required to view history", nil)
		return
	}

	limit := defaultListLimit
	offset := 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}

	jobs, err := h.Svc.List(requestContext(c), middleware.UserIDFromContext(c), limit, offset)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to list analyses", nil)
		return
	}

	resp := make([]gin.H, 0, len(jobs))
	for _, job := range jobs {
		item := gin.H{
			"jobId":     job.ID,
			"filename":  job.Filename,
			"status":    job.Status,
			"createdAt": job.CreatedAt,
		}
		if job.Status == StatusCompleted && job.Result != nil {
			item["overallScore"] = job.Result.OverallScore
		}
		resp = append(resp, item)
	}
	respond.OK(c, resp)
}

// streamEvents sends the job's status as Server-Sent Events until it reaches
// a terminal status or the client goes away.
func (h *Handler) streamEvents(c *gin.Context) {
	jobID := c.Param("id")
	middleware.TagJob(c, jobID)
	ctx := requestContext(c)
	ownerID := middleware.UserIDFromContext(c)

	// Subscribe before the first read so no transition falls between them.
	bus := h.Bus
	if bus == nil {
		bus = events.Nop{}
	}
	updates, cancel, err := bus.Subscribe(ctx, jobID)
	if err != nil {
		telemetry.Warn("events.subscribe_failed", logFields(ctx, map[string]any{
			"error": err.Error(),
		}))
		updates, cancel = nil, func() {}
	}
	defer cancel()

	job, err := h.Svc.Get(ctx, jobID, ownerID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "analysis not found", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch analysis", nil)
		}
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	last := job.Status
	emitStatus(c, job)
	if IsTerminal(job.Status) {
		return
	}

	poll := time.NewTicker(h.pollInterval())
	defer poll.Stop()
	heartbeat := time.NewTicker(h.heartbeat())
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
		case <-poll.C:
		case <-heartbeat.C:
			_, _ = io.WriteString(c.Writer, ": keep-alive\n\n")
			c.Writer.Flush()
			continue
		}

		// Events only signal a change; the row is the source of truth.
		current, err := h.Svc.Get(ctx, jobID, ownerID)
		if err != nil {
			if ctx.Err() == nil {
				telemetry.Warn("events.reload_failed", logFields(ctx, map[string]any{
					"error": err.Error(),
				}))
			}
			continue
		}
		if current.Status == last {
			continue
		}
		last = current.Status
		emitStatus(c, current)
		if IsTerminal(current.Status) {
			return
		}
	}
}

func emitStatus(c *gin.Context, job Job) {
	payload := gin.H{
		"jobId":      job.ID,
		"status":     job.Status,
		"chunkCount": job.ChunkCount,
	}
	if job.Status == StatusCompleted && job.Result != nil {
		payload["result"] = job.Result
	}
	if job.Status == StatusError {
		payload["errorCode"] = job.ErrorCode
		if job.ErrorMessage != nil {
			payload["errorMessage"] = *job.ErrorMessage
		}
	}
	c.SSEvent("status", payload)
	c.Writer.Flush()
}

func (h *Handler) pollInterval() time.Duration {
	if h.PollInterval > 0 {
		return h.PollInterval
	}
	return defaultPollInterval
}

func (h *Handler) heartbeat() time.Duration {
	if h.Heartbeat > 0 {
		return h.Heartbeat
	}
	return defaultHeartbeat
}

func jobView(job Job) gin.H {
	view := gin.H{
		"id":            job.ID,
		"status":        job.Status,
		"filename":      job.Filename,
		"fileType":      job.FileType,
		"fileSizeBytes": job.FileSizeBytes,
		"chunkCount":    job.ChunkCount,
		"createdAt":     job.CreatedAt,
		"completedAt":   job.CompletedAt,
	}
	switch job.Status {
	case StatusCompleted:
		if job.Result != nil {
			view["result"] = job.Result
		}
	case StatusError:
		view["errorCode"] = job.ErrorCode
		if job.ErrorMessage != nil {
			view["errorMessage"] = *job.ErrorMessage
		}
	}
	return view
}

// requestContext carries the request id, and the job id once one is tagged,
// into service calls.
func requestContext(c *gin.Context) context.Context {
	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
	return withJobID(ctx, middleware.JobIDFromContext(c))
}
