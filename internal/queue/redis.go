package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const dlqStream = "jobs:dlq"

type RedisConfig struct {
	Addr          string
	DB            int
	ConsumerGroup string
	ConsumerName  string
	// PollBackoff is how long the loop pauses after a failed read.
	PollBackoff time.Duration
}

// RedisQueue is a durable backend on Redis streams with consumer groups.
// Unlike the SQS backend it keeps a per-job status hash, so GetJob works
// here, and jobs that exhaust their retries land in a real dead-letter
// stream instead of being dropped.
type RedisQueue struct {
	rdb     *redis.Client
	cfg     RedisConfig
	backoff BackoffConfig
	log     *zap.Logger

	mu       sync.Mutex
	loops    map[string]*consumeLoop
	requeues sync.WaitGroup
	closed   bool
}

func NewRedisQueue(ctx context.Context, cfg RedisConfig, log *zap.Logger) (*RedisQueue, error) {
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "workers"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "worker-" + uuid.NewString()[:8]
	}
	if cfg.PollBackoff <= 0 {
		cfg.PollBackoff = 5 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	return &RedisQueue{
		rdb: rdb,
		cfg: cfg,
		backoff: BackoffConfig{
			Base:   500 * time.Millisecond,
			Max:    5 * time.Second,
			Jitter: 250 * time.Millisecond,
		},
		log:   log.Named("redis_queue"),
		loops: make(map[string]*consumeLoop),
	}, nil
}

func streamKey(queueName string) string { return "jobs:" + queueName }
func statusKey(jobID string) string     { return "job:" + jobID }

func (q *RedisQueue) Add(ctx context.Context, queueName string, payload any) (string, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	q.mu.Unlock()

	jobID := uuid.NewString()
	body, err := json.Marshal(envelope{
		JobName:   queueName,
		JobID:     jobID,
		Data:      raw,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(queueName),
		Values: map[string]interface{}{"job": string(body)},
	})
	pipe.HSet(ctx, statusKey(jobID), map[string]interface{}{
		"status":     "queued",
		"name":       queueName,
		"payload":    string(raw),
		"attempts":   0,
		"created_at": time.Now().Unix(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("redis enqueue: %w", err)
	}
	return jobID, nil
}

func (q *RedisQueue) Process(queueName string, fn ProcessorFunc, opts Options) {
	opts = opts.withDefaults()
	policy := RetryPolicy{MaxAttempts: opts.MaxRetries, Backoff: q.backoff}.withDefaults()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.log.Warn("process called on closed queue", zap.String("queue", queueName))
		return
	}
	if _, ok := q.loops[queueName]; ok {
		q.log.Warn("processor already registered, ignoring", zap.String("queue", queueName))
		return
	}

	// Start the group at "0" so entries added before this registration
	// are still delivered. Idempotent: BUSYGROUP just means the group
	// survived a restart.
	err := q.rdb.XGroupCreateMkStream(context.Background(), streamKey(queueName), q.cfg.ConsumerGroup, "0").Err()
	if err != nil && !isBusyGroup(err) {
		q.log.Error("consumer group create failed", zap.String("queue", queueName), zap.Error(err))
	}

	lp := &consumeLoop{stop: make(chan struct{}), done: make(chan struct{})}
	q.loops[queueName] = lp
	go q.run(queueName, fn, opts, policy, lp)
	q.log.Info("processing started",
		zap.String("queue", queueName),
		zap.Int("concurrency", opts.Concurrency),
		zap.Int("max_retries", policy.MaxAttempts))
}

func (q *RedisQueue) run(queueName string, fn ProcessorFunc, opts Options, policy RetryPolicy, lp *consumeLoop) {
	defer close(lp.done)
	log := q.log.With(zap.String("queue", queueName))
	stream := streamKey(queueName)
	ctx := context.Background()

	for {
		select {
		case <-lp.stop:
			return
		default:
		}

		entries, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.ConsumerGroup,
			Consumer: q.cfg.ConsumerName,
			Streams:  []string{stream, ">"},
			Block:    opts.WaitTime,
			Count:    int64(opts.Concurrency),
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // blocking read timed out, nothing pending
			}
			log.Warn("read failed, backing off", zap.Error(err), zap.Duration("backoff", q.cfg.PollBackoff))
			select {
			case <-lp.stop:
				return
			case <-time.After(q.cfg.PollBackoff):
			}
			continue
		}

		var wg sync.WaitGroup
		for _, str := range entries {
			for _, msg := range str.Messages {
				wg.Add(1)
				go func(m redis.XMessage) {
					defer wg.Done()
					q.handle(ctx, log, stream, fn, policy, m)
				}(msg)
			}
		}
		wg.Wait()
	}
}

func (q *RedisQueue) handle(ctx context.Context, log *zap.Logger, stream string, fn ProcessorFunc, policy RetryPolicy, msg redis.XMessage) {
	defer q.ack(ctx, log, stream, msg.ID)

	raw, ok := msg.Values["job"].(string)
	if !ok {
		log.Error("dropping malformed stream entry", zap.String("entry_id", msg.ID))
		return
	}
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		log.Error("dropping undecodable message", zap.Error(err))
		return
	}

	env.Attempt++
	now := time.Now().UTC()
	job := &Job{
		ID:          env.JobID,
		Name:        env.JobName,
		Payload:     env.Data,
		Attempts:    env.Attempt,
		ProcessedOn: &now,
	}
	q.setStatus(ctx, log, job.ID, "processing", map[string]interface{}{
		"started_at": now.Unix(),
		"attempts":   job.Attempts,
	})

	res := safeInvoke(ctx, fn, job)
	if res.OK() {
		log.Info("job succeeded", zap.String("job_id", job.ID), zap.Int("attempts", job.Attempts))
		q.setStatus(ctx, log, job.ID, "succeeded", map[string]interface{}{
			"finished_at": time.Now().Unix(),
			"attempts":    job.Attempts,
		})
		return
	}

	job.FailedReason = res.Err
	if policy.Exhausted(job.Attempts) {
		log.Warn("job moved to dead letter",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts),
			zap.String("reason", res.Err))
		q.setStatus(ctx, log, job.ID, "failed", map[string]interface{}{
			"finished_at": time.Now().Unix(),
			"attempts":    job.Attempts,
			"last_error":  res.Err,
		})
		body, _ := json.Marshal(env)
		if err := q.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: dlqStream,
			Values: map[string]interface{}{"job": string(body)},
		}).Err(); err != nil {
			log.Error("dead-letter push failed", zap.Error(err))
		}
		return
	}

	delay := policy.Delay(job.Attempts)
	log.Info("job requeue scheduled",
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.Duration("backoff", delay))
	q.setStatus(ctx, log, job.ID, "retrying", map[string]interface{}{
		"attempts":   job.Attempts,
		"last_error": res.Err,
	})

	// Requeue on a timer rather than sleeping here: the loop awaits the
	// whole batch, so a blocking backoff would stall every other message
	// received alongside this one. Close waits for scheduled requeues.
	body, _ := json.Marshal(env)
	q.requeues.Add(1)
	time.AfterFunc(delay, func() {
		defer q.requeues.Done()
		rctx := context.Background()
		if err := q.rdb.XAdd(rctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]interface{}{"job": string(body)},
		}).Err(); err != nil {
			log.Error("requeue failed", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		q.setStatus(rctx, log, job.ID, "queued", nil)
	})
}

func (q *RedisQueue) ack(ctx context.Context, log *zap.Logger, stream, entryID string) {
	if err := q.rdb.XAck(ctx, stream, q.cfg.ConsumerGroup, entryID).Err(); err != nil {
		log.Error("ack failed", zap.String("entry_id", entryID), zap.Error(err))
	}
}

func (q *RedisQueue) setStatus(ctx context.Context, log *zap.Logger, jobID, status string, fields map[string]interface{}) {
	data := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().Unix(),
	}
	for k, v := range fields {
		data[k] = v
	}
	if err := q.rdb.HSet(ctx, statusKey(jobID), data).Err(); err != nil {
		log.Error("status update failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// GetJob reads the job back from its status hash; nil when unknown.
func (q *RedisQueue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, statusKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lookup: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return jobFromStatus(jobID, fields), nil
}

func jobFromStatus(jobID string, fields map[string]string) *Job {
	job := &Job{
		ID:      jobID,
		Name:    fields["name"],
		Payload: json.RawMessage(fields["payload"]),
	}
	if n, err := strconv.Atoi(fields["attempts"]); err == nil {
		job.Attempts = n
	}
	if ts, err := strconv.ParseInt(fields["started_at"], 10, 64); err == nil {
		t := time.Unix(ts, 0).UTC()
		job.ProcessedOn = &t
	}
	if fields["status"] == "failed" || fields["status"] == "retrying" {
		job.FailedReason = fields["last_error"]
	}
	return job
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// Close stops every consumption loop, waits for their current read
// cycles until ctx expires, then releases the connection.
func (q *RedisQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	loops := make([]*consumeLoop, 0, len(q.loops))
	for _, lp := range q.loops {
		close(lp.stop)
		loops = append(loops, lp)
	}
	q.mu.Unlock()

	for _, lp := range loops {
		select {
		case <-lp.done:
		case <-ctx.Done():
			q.log.Warn("close grace period expired with loops still running")
			return ctx.Err()
		}
	}

	// Retries scheduled by timer must land back on the stream before the
	// connection goes away, or they would be lost on shutdown.
	requeued := make(chan struct{})
	go func() {
		q.requeues.Wait()
		close(requeued)
	}()
	select {
	case <-requeued:
	case <-ctx.Done():
		q.log.Warn("close grace period expired with requeues still pending")
		return ctx.Err()
	}

	if err := q.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	q.log.Info("redis queue closed")
	return nil
}
