package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// memoryChannel is the per-queue state of the in-process provider: a FIFO
// of pending jobs plus the gate and wait group for its worker pool. All
// fields are guarded by the owning MemoryQueue's mutex; cond shares that
// mutex so idle workers block instead of polling.
type memoryChannel struct {
	pending []*Job
	cond    *sync.Cond
	active  bool
	workers sync.WaitGroup
}

// MemoryQueue is the in-process fallback provider for development and
// tests. Jobs live only for the process lifetime; there is no dead-letter
// store, a job that exhausts its retries is dropped with a log line.
type MemoryQueue struct {
	mu     sync.Mutex
	chans  map[string]*memoryChannel
	jobs   map[string]*Job
	closed bool

	backoff BackoffConfig
	log     *zap.Logger
}

func NewMemoryQueue(log *zap.Logger) *MemoryQueue {
	return &MemoryQueue{
		chans: make(map[string]*memoryChannel),
		jobs:  make(map[string]*Job),
		backoff: BackoffConfig{
			Base:   100 * time.Millisecond,
			Max:    2 * time.Second,
			Jitter: 50 * time.Millisecond,
		},
		log: log.Named("memory_queue"),
	}
}

func (q *MemoryQueue) channel(name string) *memoryChannel {
	ch, ok := q.chans[name]
	if !ok {
		ch = &memoryChannel{cond: sync.NewCond(&q.mu)}
		q.chans[name] = ch
	}
	return ch
}

// Add appends the job to the named queue's tail and returns immediately;
// it never waits on downstream processing.
func (q *MemoryQueue) Add(_ context.Context, queueName string, payload any) (string, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrQueueClosed
	}
	job := &Job{
		ID:      uuid.NewString(),
		Name:    queueName,
		Payload: raw,
	}
	q.jobs[job.ID] = job
	ch := q.channel(queueName)
	ch.pending = append(ch.pending, job)
	ch.cond.Signal()
	return job.ID, nil
}

// Process starts a pool of opts.Concurrency workers draining the named
// queue. Calling it again for the same name is a no-op.
func (q *MemoryQueue) Process(queueName string, fn ProcessorFunc, opts Options) {
	opts = opts.withDefaults()
	policy := RetryPolicy{MaxAttempts: opts.MaxRetries, Backoff: q.backoff}.withDefaults()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.log.Warn("process called on closed queue", zap.String("queue", queueName))
		return
	}
	ch := q.channel(queueName)
	if ch.active {
		q.log.Warn("processor already registered, ignoring", zap.String("queue", queueName))
		return
	}
	ch.active = true
	for i := 0; i < opts.Concurrency; i++ {
		ch.workers.Add(1)
		go q.runWorker(queueName, ch, fn, policy, i)
	}
	q.log.Info("processing started",
		zap.String("queue", queueName),
		zap.Int("concurrency", opts.Concurrency),
		zap.Int("max_retries", policy.MaxAttempts))
}

func (q *MemoryQueue) runWorker(queueName string, ch *memoryChannel, fn ProcessorFunc, policy RetryPolicy, idx int) {
	defer ch.workers.Done()
	log := q.log.With(zap.String("queue", queueName), zap.Int("worker", idx))
	ctx := context.Background()

	for {
		q.mu.Lock()
		for len(ch.pending) == 0 && ch.active {
			ch.cond.Wait()
		}
		if !ch.active {
			q.mu.Unlock()
			return
		}
		job := ch.pending[0]
		ch.pending = ch.pending[1:]
		job.Attempts++
		now := time.Now().UTC()
		job.ProcessedOn = &now
		q.mu.Unlock()

		res := safeInvoke(ctx, fn, job)
		if res.OK() {
			q.mu.Lock()
			job.FailedReason = ""
			q.mu.Unlock()
			log.Info("job succeeded", zap.String("job_id", job.ID), zap.Int("attempts", job.Attempts))
			continue
		}

		q.mu.Lock()
		job.FailedReason = res.Err
		attempts := job.Attempts
		q.mu.Unlock()

		if policy.Exhausted(attempts) {
			// No dead-letter store here: the job is simply dropped.
			log.Warn("job dropped after exhausting retries",
				zap.String("job_id", job.ID),
				zap.Int("attempts", attempts),
				zap.String("reason", res.Err))
			continue
		}

		backoff := policy.Delay(attempts)
		time.Sleep(backoff)
		log.Info("job requeued",
			zap.String("job_id", job.ID),
			zap.Int("attempts", attempts),
			zap.Duration("backoff", backoff))

		// Tail re-append: FIFO ordering is void across retries.
		q.mu.Lock()
		ch.pending = append(ch.pending, job)
		ch.cond.Signal()
		q.mu.Unlock()
	}
}

// GetJob returns a snapshot of the job, including terminal outcomes, or
// nil when the id was never seen.
func (q *MemoryQueue) GetJob(_ context.Context, jobID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, nil
	}
	snapshot := *job
	return &snapshot, nil
}

// Close stops intake and worker pools, then waits for in-flight work
// until ctx expires. Pending jobs that were never delivered stay behind.
func (q *MemoryQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	chans := make([]*memoryChannel, 0, len(q.chans))
	for _, ch := range q.chans {
		ch.active = false
		ch.cond.Broadcast()
		chans = append(chans, ch)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, ch := range chans {
			ch.workers.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		q.log.Info("memory queue closed")
		return nil
	case <-ctx.Done():
		q.log.Warn("close grace period expired with workers still running")
		return ctx.Err()
	}
}
