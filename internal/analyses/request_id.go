package analyses

import (
	"context"
	"maps"
)

// logTags ride on the context so every log line about a job names both the
// job and the request or message that started it.
type logTags struct {
	requestID string
	jobID     string
}

type logTagsKey struct{}

func tagsFromContext(ctx context.Context) logTags {
	if ctx == nil {
		return logTags{}
	}
	tags, _ := ctx.Value(logTagsKey{}).(logTags)
	return tags
}

func withTags(ctx context.Context, tags logTags) context.Context {
	return context.WithValue(ctx, logTagsKey{}, tags)
}

// WithRequestID attaches the originating HTTP request or queue message id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil || requestID == "" {
		return ctx
	}
	tags := tagsFromContext(ctx)
	tags.requestID = requestID
	return withTags(ctx, tags)
}

func withJobID(ctx context.Context, jobID string) context.Context {
	if ctx == nil || jobID == "" {
		return ctx
	}
	tags := tagsFromContext(ctx)
	tags.jobID = jobID
	return withTags(ctx, tags)
}

func requestIDFromContext(ctx context.Context) string {
	return tagsFromContext(ctx).requestID
}

// logFields returns a copy of fields with request_id and job_id filled from
// ctx. Keys already present win.
func logFields(ctx context.Context, fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+2)
	tags := tagsFromContext(ctx)
	if tags.requestID != "" {
		out["request_id"] = tags.requestID
	}
	if tags.jobID != "" {
		out["job_id"] = tags.jobID
	}
	maps.Copy(out, fields)
	return out
}

// backgroundWithRequestID detaches from ctx's cancellation but keeps its tags.
func backgroundWithRequestID(ctx context.Context) context.Context {
	tags := tagsFromContext(ctx)
	if tags == (logTags{}) {
		return context.Background()
	}
	return withTags(context.Background(), tags)
}
