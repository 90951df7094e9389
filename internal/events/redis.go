package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"t3rms-backend/internal/shared/telemetry"
)

// RedisBus publishes events on a Redis channel per job so that worker
// processes and API processes can share them.
type RedisBus struct {
	rdb    goredis.UniversalClient
	prefix string
}

// NewRedisBus wraps an established client. prefix defaults to "t3rms:jobs".
func NewRedisBus(rdb goredis.UniversalClient, prefix string) (*RedisBus, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "t3rms:jobs"
	}
	return &RedisBus{rdb: rdb, prefix: prefix}, nil
}

// Channel returns the pub/sub channel name for jobID.
func (b *RedisBus) Channel(jobID string) string {
	return b.prefix + ":" + jobID
}

func (b *RedisBus) Publish(ctx context.Context, ev StatusEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.Channel(ev.JobID), raw).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, jobID string) (<-chan StatusEvent, func(), error) {
	sub := b.rdb.Subscribe(ctx, b.Channel(jobID))

	// wait for the subscription confirmation so no publish is missed after return
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan StatusEvent, subscriberBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				ev, err := decodeEvent(m.Payload)
				if err != nil {
					telemetry.Warn("events.bad_payload", map[string]any{"channel": m.Channel, "error": err.Error()})
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() { once.Do(func() { close(done) }) }
	return out, cancel, nil
}

func decodeEvent(payload string) (StatusEvent, error) {
	var ev StatusEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return StatusEvent{}, err
	}
	if ev.JobID == "" || ev.Status == "" {
		return StatusEvent{}, fmt.Errorf("event missing jobId or status")
	}
	return ev, nil
}
