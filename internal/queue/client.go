package queue

import "context"

// Client hands a job to whatever runs the pipeline: SQS for deployed workers
// or the in-process pool. Send returns once the message is accepted and
// never waits for the analysis itself.
type Client interface {
	Send(ctx context.Context, msg Message) error
}

// SendFunc adapts a function to Client.
type SendFunc func(ctx context.Context, msg Message) error

// Send calls f.
func (f SendFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }
