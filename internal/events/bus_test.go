package events

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBusDeliversToJobSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	ch, cancel, err := bus.Subscribe(ctx, "job-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()
	other, cancelOther, _ := bus.Subscribe(ctx, "job-2")
	defer cancelOther()

	if err := bus.Publish(ctx, StatusEvent{JobID: "job-1", Status: "chunking"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Status != "chunking" {
			t.Fatalf("unexpected status %q", ev.Status)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}

	select {
	case ev := <-other:
		t.Fatalf("job-2 subscriber got %+v", ev)
	default:
	}
}

func TestMemoryBusCancelReleasesSubscription(t *testing.T) {
	bus := NewMemoryBus()
	ch, cancel, _ := bus.Subscribe(context.Background(), "job-1")
	if got := bus.subscriberCount("job-1"); got != 1 {
		t.Fatalf("expected 1 subscriber, got %d", got)
	}

	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to be closed")
	}
	if got := bus.subscriberCount("job-1"); got != 0 {
		t.Fatalf("expected 0 subscribers, got %d", got)
	}
	if err := bus.Publish(context.Background(), StatusEvent{JobID: "job-1", Status: "completed"}); err != nil {
		t.Fatalf("publish after cancel: %v", err)
	}
}

func TestMemoryBusContextEndClosesChannel(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancelCtx := context.WithCancel(context.Background())
	ch, _, _ := bus.Subscribe(ctx, "job-1")
	cancelCtx()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after context end")
	}
}

func TestMemoryBusDropsWhenSubscriberIsSlow(t *testing.T) {
	bus := NewMemoryBus()
	ch, cancel, _ := bus.Subscribe(context.Background(), "job-1")
	defer cancel()

	for i := 0; i < subscriberBuffer+5; i++ {
		_ = bus.Publish(context.Background(), StatusEvent{JobID: "job-1", Status: "processing"})
	}
	if got := len(ch); got != subscriberBuffer {
		t.Fatalf("expected buffer to hold %d events, got %d", subscriberBuffer, got)
	}
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{name: "valid", payload: `{"jobId":"j","status":"completed"}`},
		{name: "missing status", payload: `{"jobId":"j"}`, wantErr: true},
		{name: "garbage", payload: `not json`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeEvent(tt.payload)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeEvent(%q) err = %v, wantErr %v", tt.payload, err, tt.wantErr)
			}
		})
	}
}

func TestRedisBusChannelName(t *testing.T) {
	if _, err := NewRedisBus(nil, ""); err == nil {
		t.Fatalf("expected error for nil client")
	}
	b := &RedisBus{prefix: "t3rms:jobs"}
	if got := b.Channel("abc"); got != "t3rms:jobs:abc" {
		t.Fatalf("unexpected channel %q", got)
	}
}
