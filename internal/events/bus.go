// Package events fans out job status changes to interested listeners, such as
// SSE connections in the API process.
package events

import (
	"context"
	"sync"
	"time"
)

// StatusEvent is published after every successful job status write.
type StatusEvent struct {
	JobID      string    `json:"jobId"`
	Status     string    `json:"status"`
	ChunkCount int       `json:"chunkCount,omitempty"`
	ErrorCode  string    `json:"errorCode,omitempty"`
	At         time.Time `json:"at"`
}

// Bus publishes and subscribes to per-job status events. Delivery is
// best-effort; subscribers that need certainty also poll the job row.
type Bus interface {
	Publish(ctx context.Context, ev StatusEvent) error
	// Subscribe returns a channel of events for jobID and a cancel func that
	// releases the subscription. The channel is closed after cancel or when
	// ctx ends.
	Subscribe(ctx context.Context, jobID string) (<-chan StatusEvent, func(), error)
}

// Nop discards every event and never delivers any.
type Nop struct{}

func (Nop) Publish(context.Context, StatusEvent) error { return nil }

func (Nop) Subscribe(ctx context.Context, _ string) (<-chan StatusEvent, func(), error) {
	ch := make(chan StatusEvent)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(done) }) }
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		close(ch)
	}()
	return ch, cancel, nil
}
