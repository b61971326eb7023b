package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrQueueClosed = errors.New("queue closed")

// ProcessorFunc executes one job and reports success or failure. Delivery
// is at least once, so implementations must tolerate seeing the same
// logical job more than once. Whatever a processor returns or panics with
// never escapes the consumption loop.
type ProcessorFunc func(ctx context.Context, job *Job) Result

// Options tunes one Process registration.
type Options struct {
	// Concurrency bounds in-flight processor invocations for the queue.
	// The durable backends also use it as the receive batch size.
	Concurrency int
	// MaxRetries is the delivery budget per job; once Attempts reaches it
	// the job is quarantined instead of retried.
	MaxRetries int
	// VisibilityTimeout hides a received message from other consumers
	// until acknowledged or the window elapses (durable backends only).
	VisibilityTimeout time.Duration
	// WaitTime is how long a single receive blocks waiting for work.
	WaitTime time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 30 * time.Second
	}
	if o.WaitTime <= 0 {
		o.WaitTime = 20 * time.Second
	}
	return o
}

// Queue is the provider-agnostic job queue contract. Add never blocks on
// downstream processing; Process spawns a long-running consumption loop
// for the named queue (a second registration for the same name is a
// logged no-op); GetJob is best effort and returns nil, nil on backends
// that cannot support random lookup; Close stops intake and waits for
// in-flight work until ctx expires.
type Queue interface {
	Add(ctx context.Context, queueName string, payload any) (string, error)
	Process(queueName string, fn ProcessorFunc, opts Options)
	GetJob(ctx context.Context, jobID string) (*Job, error)
	Close(ctx context.Context) error
}

// safeInvoke shields the consumption loop from the processor: a panic is
// converted into an ordinary failure result.
func safeInvoke(ctx context.Context, fn ProcessorFunc, job *Job) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Failure(fmt.Errorf("processor panic: %v", r))
		}
	}()
	return fn(ctx, job)
}
