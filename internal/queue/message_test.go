package queue

import (
	"testing"
	"time"
)

func TestNewMessage(t *testing.T) {
	now := time.Date(2026, 1, 30, 22, 0, 0, 0, time.FixedZone("X", 3600))
	msg := NewMessage("job-123", "req-456", now)
	if msg.JobID != "job-123" || msg.RequestID != "req-456" || msg.Version != MessageVersion {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.EnqueuedAt != "2026-01-30T21:00:00Z" {
		t.Fatalf("expected UTC timestamp, got %q", msg.EnqueuedAt)
	}
}
