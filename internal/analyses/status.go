package analyses

import (
	"fmt"
	"strconv"
	"strings"
)

// Job statuses. Per-chunk statuses are rendered by ChunkStatus.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusChunking   = "chunking"
	StatusFinalizing = "finalizing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// ChunkStatus renders the status for chunk i of n, 1-based.
func ChunkStatus(i, n int) string {
	return fmt.Sprintf("processing_chunk_%d_of_%d", i, n)
}

// ParseChunkStatus reads back a status produced by ChunkStatus.
func ParseChunkStatus(status string) (i, n int, ok bool) {
	rest, found := strings.CutPrefix(status, "processing_chunk_")
	if !found {
		return 0, 0, false
	}
	left, right, found := strings.Cut(rest, "_of_")
	if !found {
		return 0, 0, false
	}
	i, errI := strconv.Atoi(left)
	n, errN := strconv.Atoi(right)
	if errI != nil || errN != nil {
		return 0, 0, false
	}
	if i < 1 || n < 1 || i > n || ChunkStatus(i, n) != status {
		return 0, 0, false
	}
	return i, n, true
}

// IsTerminal reports whether a status can never change again.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusError
}

// IsValidStatus reports whether status belongs to the job state machine.
func IsValidStatus(status string) bool {
	switch status {
	case StatusQueued, StatusProcessing, StatusChunking, StatusFinalizing, StatusCompleted, StatusError:
		return true
	}
	_, _, ok := ParseChunkStatus(status)
	return ok
}
