package analyses

import (
	"context"
	"testing"
)

func TestLogFieldsCarryRequestAndJob(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	ctx = withJobID(ctx, "job-1")

	fields := logFields(ctx, map[string]any{"status": StatusQueued})
	if fields["request_id"] != "req-1" || fields["job_id"] != "job-1" || fields["status"] != StatusQueued {
		t.Fatalf("unexpected fields %v", fields)
	}

	override := logFields(ctx, map[string]any{"job_id": "job-2"})
	if override["job_id"] != "job-2" {
		t.Fatalf("explicit field should win, got %v", override["job_id"])
	}

	if empty := logFields(context.Background(), nil); len(empty) != 0 {
		t.Fatalf("expected no fields without tags, got %v", empty)
	}
}

func TestBackgroundWithRequestIDKeepsTags(t *testing.T) {
	parent, cancel := context.WithCancel(withJobID(WithRequestID(context.Background(), "req-1"), "job-1"))
	cancel()

	bg := backgroundWithRequestID(parent)
	if bg.Err() != nil {
		t.Fatalf("background context must not inherit cancellation")
	}
	if requestIDFromContext(bg) != "req-1" || tagsFromContext(bg).jobID != "job-1" {
		t.Fatalf("tags lost: %+v", tagsFromContext(bg))
	}
}
