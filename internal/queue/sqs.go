package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SQSClient is the slice of the SQS API this provider needs. *sqs.Client
// satisfies it; tests supply a fake.
type SQSClient interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SQSConfig struct {
	// QueueURL is the main queue endpoint; a ".fifo" suffix switches Add
	// to ordered mode (group id = queue name, dedup id = job id).
	QueueURL string
	// QueueURLs optionally overrides the endpoint per queue name.
	QueueURLs map[string]string
	// DeadLetterURL is informational: quarantine here only deletes from
	// the main queue, any redrive to this endpoint is broker-managed.
	DeadLetterURL string
	// PollBackoff is how long the loop pauses after a failed receive.
	PollBackoff time.Duration
}

// SQSQueue is the durable production backend. Delivery is at least once:
// a received message stays hidden for the visibility timeout and comes
// back if it is not deleted in time. Retry counting rides on the broker's
// ApproximateReceiveCount rather than anything stored locally.
type SQSQueue struct {
	client SQSClient
	cfg    SQSConfig
	log    *zap.Logger

	mu     sync.Mutex
	loops  map[string]*consumeLoop
	closed bool
}

// consumeLoop tracks one running Process registration.
type consumeLoop struct {
	stop chan struct{}
	done chan struct{}
}

func NewSQSQueue(client SQSClient, cfg SQSConfig, log *zap.Logger) *SQSQueue {
	if cfg.PollBackoff <= 0 {
		cfg.PollBackoff = 5 * time.Second
	}
	l := log.Named("sqs_queue")
	if cfg.DeadLetterURL != "" {
		l.Info("dead-letter redrive is broker-managed", zap.String("dlq_url", cfg.DeadLetterURL))
	}
	return &SQSQueue{
		client: client,
		cfg:    cfg,
		log:    l,
		loops:  make(map[string]*consumeLoop),
	}
}

func (q *SQSQueue) queueURL(name string) string {
	if url, ok := q.cfg.QueueURLs[name]; ok {
		return url
	}
	return q.cfg.QueueURL
}

func (q *SQSQueue) Add(ctx context.Context, queueName string, payload any) (string, error) {
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

	url := q.queueURL(queueName)
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"JobName": {DataType: aws.String("String"), StringValue: aws.String(queueName)},
			"JobId":   {DataType: aws.String("String"), StringValue: aws.String(jobID)},
		},
	}
	if strings.HasSuffix(url, ".fifo") {
		in.MessageGroupId = aws.String(queueName)
		in.MessageDeduplicationId = aws.String(jobID)
	}

	if _, err := q.client.SendMessage(ctx, in); err != nil {
		return "", fmt.Errorf("sqs send: %w", err)
	}
	return jobID, nil
}

// Process starts the long-poll loop for the named queue. Each iteration
// receives up to opts.Concurrency messages, dispatches them all
// concurrently, and awaits the batch before polling again.
func (q *SQSQueue) Process(queueName string, fn ProcessorFunc, opts Options) {
	opts = opts.withDefaults()
	// SQS receive limits: at most 10 messages and 20s of long poll.
	if opts.Concurrency > 10 {
		opts.Concurrency = 10
	}
	if opts.WaitTime > 20*time.Second {
		opts.WaitTime = 20 * time.Second
	}

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
	lp := &consumeLoop{stop: make(chan struct{}), done: make(chan struct{})}
	q.loops[queueName] = lp
	go q.run(queueName, fn, opts, lp)
	q.log.Info("processing started",
		zap.String("queue", queueName),
		zap.Int("max_messages", opts.Concurrency),
		zap.Duration("wait_time", opts.WaitTime),
		zap.Duration("visibility_timeout", opts.VisibilityTimeout))
}

func (q *SQSQueue) run(queueName string, fn ProcessorFunc, opts Options, lp *consumeLoop) {
	defer close(lp.done)
	log := q.log.With(zap.String("queue", queueName))
	url := q.queueURL(queueName)
	ctx := context.Background()

	for {
		select {
		case <-lp.stop:
			return
		default:
		}

		out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(url),
			MaxNumberOfMessages: int32(opts.Concurrency),
			WaitTimeSeconds:     int32(opts.WaitTime / time.Second),
			VisibilityTimeout:   int32(opts.VisibilityTimeout / time.Second),
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{
				types.MessageSystemAttributeNameApproximateReceiveCount,
			},
			MessageAttributeNames: []string{"All"},
		})
		if err != nil {
			// Transient transport or throttling errors must not kill the
			// loop: pause and poll again.
			log.Warn("receive failed, backing off", zap.Error(err), zap.Duration("backoff", q.cfg.PollBackoff))
			select {
			case <-lp.stop:
				return
			case <-time.After(q.cfg.PollBackoff):
			}
			continue
		}
		if len(out.Messages) == 0 {
			continue
		}

		var wg sync.WaitGroup
		for _, msg := range out.Messages {
			wg.Add(1)
			go func(m types.Message) {
				defer wg.Done()
				q.handle(ctx, log, url, fn, opts, m)
			}(msg)
		}
		wg.Wait()
	}
}

func (q *SQSQueue) handle(ctx context.Context, log *zap.Logger, url string, fn ProcessorFunc, opts Options, msg types.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &env); err != nil {
		// A body we cannot decode will never succeed; delete it rather
		// than let it cycle through visibility timeouts forever.
		log.Error("dropping undecodable message", zap.Error(err))
		q.deleteMessage(ctx, log, url, msg)
		return
	}

	attempts := receiveCount(msg)
	now := time.Now().UTC()
	job := &Job{
		ID:          env.JobID,
		Name:        env.JobName,
		Payload:     env.Data,
		Attempts:    attempts,
		ProcessedOn: &now,
	}

	res := safeInvoke(ctx, fn, job)
	if res.OK() {
		log.Info("job succeeded", zap.String("job_id", job.ID), zap.Int("attempts", attempts))
		q.deleteMessage(ctx, log, url, msg)
		return
	}

	job.FailedReason = res.Err
	if attempts >= opts.MaxRetries {
		// Quarantine: removing the message from the main queue is all
		// this component does; any DLQ redirect is a broker redrive
		// policy triggered by that removal.
		log.Warn("job quarantined after exhausting retries",
			zap.String("job_id", job.ID),
			zap.Int("attempts", attempts),
			zap.String("reason", res.Err))
		q.deleteMessage(ctx, log, url, msg)
		return
	}

	// No ack: visibility timeout expiry redelivers with a bumped
	// receive count.
	log.Info("job failed, awaiting redelivery",
		zap.String("job_id", job.ID),
		zap.Int("attempts", attempts),
		zap.String("reason", res.Err))
}

func (q *SQSQueue) deleteMessage(ctx context.Context, log *zap.Logger, url string, msg types.Message) {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		log.Error("delete failed, message will be redelivered", zap.Error(err))
	}
}

func receiveCount(msg types.Message) int {
	v, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// GetJob always returns nil: the broker offers no random message lookup.
// This is a documented limitation of the backend, not an error.
func (q *SQSQueue) GetJob(context.Context, string) (*Job, error) {
	return nil, nil
}

// Close stops every consumption loop and waits for their current receive
// cycles, including in-flight batches, until ctx expires.
func (q *SQSQueue) Close(ctx context.Context) error {
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
	q.log.Info("sqs queue closed")
	return nil
}
