package events

import (
	"context"
	"sync"

	"t3rms-backend/internal/shared/telemetry"
)

const subscriberBuffer = 16

type subscriber struct {
	ch   chan StatusEvent
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// MemoryBus fans events out inside a single process.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*subscriber]struct{})}
}

// Publish delivers ev to current subscribers of ev.JobID. Slow subscribers
// drop events rather than block the publisher.
func (b *MemoryBus) Publish(_ context.Context, ev StatusEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs[ev.JobID] {
		select {
		case s.ch <- ev:
		default:
			telemetry.Warn("events.dropped", map[string]any{"job_id": ev.JobID, "status": ev.Status})
		}
	}
	return nil
}

// Subscribe registers a listener for jobID.
func (b *MemoryBus) Subscribe(ctx context.Context, jobID string) (<-chan StatusEvent, func(), error) {
	s := &subscriber{ch: make(chan StatusEvent, subscriberBuffer)}

	b.mu.Lock()
	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.subs[jobID] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if set, ok := b.subs[jobID]; ok {
				delete(set, s)
				if len(set) == 0 {
					delete(b.subs, jobID)
				}
			}
			b.mu.Unlock()
			s.close()
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return s.ch, cancel, nil
}

// subscriberCount is used by tests.
func (b *MemoryBus) subscriberCount(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[jobID])
}
