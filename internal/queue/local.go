package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"t3rms-backend/internal/shared/telemetry"
)

var (
	ErrQueueFull   = errors.New("local queue full")
	ErrQueueClosed = errors.New("local queue closed")
)

// Handler processes one delivered message.
type Handler func(ctx context.Context, msg Message) error

// LocalClient is an in-process bounded worker pool. Messages run on the pool
// context, never on the sender's context, and are lost on process exit.
type LocalClient struct {
	handler Handler
	tasks   chan Message
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewLocalClient starts workers goroutines reading from a buffer of the
// given size.
func NewLocalClient(ctx context.Context, workers, buffer int, handler Handler) *LocalClient {
	if workers < 1 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	poolCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &LocalClient{
		handler: handler,
		tasks:   make(chan Message, buffer),
		ctx:     poolCtx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.work()
	}
	return c
}

// Send enqueues msg without blocking.
func (c *LocalClient) Send(_ context.Context, msg Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrQueueClosed
	}
	select {
	case c.tasks <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting messages and waits for queued ones to finish.
// When ctx ends first, in-flight handlers are cancelled.
func (c *LocalClient) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.tasks)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}

func (c *LocalClient) work() {
	defer c.wg.Done()
	for msg := range c.tasks {
		if err := c.run(msg); err != nil {
			telemetry.Error("queue.local.failed", map[string]any{
				"request_id": msg.RequestID,
				"job_id":     msg.JobID,
				"error":      err.Error(),
			})
		}
	}
}

func (c *LocalClient) run(msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.handler(c.ctx, msg)
}

var _ Client = (*LocalClient)(nil)
