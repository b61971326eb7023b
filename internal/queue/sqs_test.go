package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// fakeSQS scripts ReceiveMessage responses and records sends/deletes.
type fakeSQS struct {
	mu       sync.Mutex
	sent     []*sqs.SendMessageInput
	deleted  []*sqs.DeleteMessageInput
	pending  []types.Message
	receives atomic.Int32
	recvErr  error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.receives.Add(1)
	if f.recvErr != nil {
		return nil, f.recvErr
	}
	f.mu.Lock()
	msgs := f.pending
	f.pending = nil
	f.mu.Unlock()
	if len(msgs) == 0 {
		// Stand in for an empty long poll without spinning the loop hot.
		time.Sleep(5 * time.Millisecond)
		return &sqs.ReceiveMessageOutput{}, nil
	}
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, in)
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) deletedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}

func sqsMessage(t *testing.T, queueName, jobID string, receiveCount string) types.Message {
	t.Helper()
	body, err := json.Marshal(envelope{
		JobName:   queueName,
		JobID:     jobID,
		Data:      json.RawMessage(`{"k":"v"}`),
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return types.Message{
		Body:          aws.String(string(body)),
		ReceiptHandle: aws.String("rh-" + jobID),
		Attributes:    map[string]string{"ApproximateReceiveCount": receiveCount},
	}
}

func closeQueue(t *testing.T, q *SQSQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestSQSAddWireFormat(t *testing.T) {
	fake := &fakeSQS{}
	q := NewSQSQueue(fake, SQSConfig{QueueURL: "https://sqs.us-east-1.amazonaws.com/1/main"}, zap.NewNop())

	id, err := q.Add(context.Background(), "proposal", map[string]string{"tenant": "acme"})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	if len(fake.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(fake.sent))
	}
	in := fake.sent[0]
	if aws.ToString(in.QueueUrl) != "https://sqs.us-east-1.amazonaws.com/1/main" {
		t.Fatalf("queue url = %s", aws.ToString(in.QueueUrl))
	}

	var env envelope
	if err := json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &env); err != nil {
		t.Fatalf("body is not an envelope: %v", err)
	}
	if env.JobName != "proposal" || env.JobID != id {
		t.Fatalf("envelope = %+v, want jobName=proposal jobId=%s", env, id)
	}
	if env.Timestamp == 0 {
		t.Fatal("envelope timestamp not set")
	}

	if got := aws.ToString(in.MessageAttributes["JobName"].StringValue); got != "proposal" {
		t.Fatalf("JobName attribute = %q", got)
	}
	if got := aws.ToString(in.MessageAttributes["JobId"].StringValue); got != id {
		t.Fatalf("JobId attribute = %q", got)
	}
	if in.MessageGroupId != nil || in.MessageDeduplicationId != nil {
		t.Fatal("standard queue must not set fifo attributes")
	}
}

func TestSQSAddFifoSetsGroupAndDedup(t *testing.T) {
	fake := &fakeSQS{}
	q := NewSQSQueue(fake, SQSConfig{QueueURL: "https://sqs.us-east-1.amazonaws.com/1/main.fifo"}, zap.NewNop())

	id, err := q.Add(context.Background(), "proposal", "payload")
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	in := fake.sent[0]
	if aws.ToString(in.MessageGroupId) != "proposal" {
		t.Fatalf("group id = %q, want queue name", aws.ToString(in.MessageGroupId))
	}
	if aws.ToString(in.MessageDeduplicationId) != id {
		t.Fatalf("dedup id = %q, want job id", aws.ToString(in.MessageDeduplicationId))
	}
}

func TestSQSSuccessDeletesMessage(t *testing.T) {
	fake := &fakeSQS{pending: []types.Message{sqsMessage(t, "t", "job-1", "1")}}
	q := NewSQSQueue(fake, SQSConfig{QueueURL: "u"}, zap.NewNop())

	var got atomic.Value
	q.Process("t", func(ctx context.Context, job *Job) Result {
		got.Store(*job)
		return Success(nil)
	}, Options{WaitTime: time.Second})

	waitFor(t, 2*time.Second, func() bool { return fake.deletedCount() == 1 }, "delete after success")
	closeQueue(t, q)

	job := got.Load().(Job)
	if job.ID != "job-1" || job.Name != "t" || job.Attempts != 1 {
		t.Fatalf("delivered job = %+v", job)
	}
	if aws.ToString(fake.deleted[0].ReceiptHandle) != "rh-job-1" {
		t.Fatalf("deleted wrong receipt handle %q", aws.ToString(fake.deleted[0].ReceiptHandle))
	}
}

func TestSQSFailureLeavesMessageForRedelivery(t *testing.T) {
	fake := &fakeSQS{pending: []types.Message{sqsMessage(t, "t", "job-1", "1")}}
	q := NewSQSQueue(fake, SQSConfig{QueueURL: "u"}, zap.NewNop())

	var calls atomic.Int32
	q.Process("t", func(ctx context.Context, job *Job) Result {
		calls.Add(1)
		return Failure(errors.New("nope"))
	}, Options{MaxRetries: 3, WaitTime: time.Second})

	waitFor(t, 2*time.Second, func() bool { return calls.Load() >= 1 }, "processor invocation")
	time.Sleep(50 * time.Millisecond)
	closeQueue(t, q)

	if fake.deletedCount() != 0 {
		t.Fatal("retryable failure must not delete the message")
	}
}

func TestSQSQuarantineDeletesAtRetryBudget(t *testing.T) {
	fake := &fakeSQS{pending: []types.Message{sqsMessage(t, "t", "job-1", "3")}}
	q := NewSQSQueue(fake, SQSConfig{QueueURL: "u"}, zap.NewNop())

	var attempts atomic.Int32
	q.Process("t", func(ctx context.Context, job *Job) Result {
		attempts.Store(int32(job.Attempts))
		return Failure(errors.New("still broken"))
	}, Options{MaxRetries: 3, WaitTime: time.Second})

	waitFor(t, 2*time.Second, func() bool { return fake.deletedCount() == 1 }, "quarantine delete")
	closeQueue(t, q)

	if attempts.Load() != 3 {
		t.Fatalf("delivered attempts = %d, want receive count 3", attempts.Load())
	}
}

func TestSQSUndecodableMessageIsDeleted(t *testing.T) {
	fake := &fakeSQS{pending: []types.Message{{
		Body:          aws.String("not json"),
		ReceiptHandle: aws.String("rh-bad"),
	}}}
	q := NewSQSQueue(fake, SQSConfig{QueueURL: "u"}, zap.NewNop())

	var calls atomic.Int32
	q.Process("t", func(ctx context.Context, job *Job) Result {
		calls.Add(1)
		return Success(nil)
	}, Options{WaitTime: time.Second})

	waitFor(t, 2*time.Second, func() bool { return fake.deletedCount() == 1 }, "poison message delete")
	closeQueue(t, q)

	if calls.Load() != 0 {
		t.Fatal("processor must not see undecodable messages")
	}
}

func TestSQSReceiveErrorBacksOffAndContinues(t *testing.T) {
	fake := &fakeSQS{recvErr: errors.New("throttled")}
	q := NewSQSQueue(fake, SQSConfig{QueueURL: "u", PollBackoff: 10 * time.Millisecond}, zap.NewNop())

	q.Process("t", func(ctx context.Context, job *Job) Result {
		return Success(nil)
	}, Options{WaitTime: time.Second})

	waitFor(t, 2*time.Second, func() bool { return fake.receives.Load() >= 3 }, "loop to survive receive errors")
	closeQueue(t, q)
}

func TestSQSDuplicateProcessIsNoop(t *testing.T) {
	fake := &fakeSQS{}
	q := NewSQSQueue(fake, SQSConfig{QueueURL: "u"}, zap.NewNop())

	q.Process("t", func(ctx context.Context, job *Job) Result { return Success(nil) }, Options{WaitTime: time.Second})
	q.Process("t", func(ctx context.Context, job *Job) Result { return Success(nil) }, Options{WaitTime: time.Second})

	q.mu.Lock()
	loops := len(q.loops)
	q.mu.Unlock()
	if loops != 1 {
		t.Fatalf("%d loops running, want 1", loops)
	}
	closeQueue(t, q)
}

func TestSQSGetJobAlwaysNil(t *testing.T) {
	fake := &fakeSQS{}
	q := NewSQSQueue(fake, SQSConfig{QueueURL: "u"}, zap.NewNop())

	id, err := q.Add(context.Background(), "t", "payload")
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	job, err := q.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("getjob returned error: %v", err)
	}
	if job != nil {
		t.Fatalf("getjob = %+v, want nil on the sqs backend", job)
	}
}

func TestSQSCloseWaitsForInflightBatch(t *testing.T) {
	fake := &fakeSQS{pending: []types.Message{sqsMessage(t, "t", "job-1", "1")}}
	q := NewSQSQueue(fake, SQSConfig{QueueURL: "u"}, zap.NewNop())

	started := make(chan struct{})
	var finished atomic.Bool
	q.Process("t", func(ctx context.Context, job *Job) Result {
		close(started)
		time.Sleep(150 * time.Millisecond)
		finished.Store(true)
		return Success(nil)
	}, Options{WaitTime: time.Second})

	<-started
	closeQueue(t, q)
	if !finished.Load() {
		t.Fatal("close returned before the in-flight batch finished")
	}
}

func TestSQSQueueURLOverrides(t *testing.T) {
	fake := &fakeSQS{}
	q := NewSQSQueue(fake, SQSConfig{
		QueueURL:  "main",
		QueueURLs: map[string]string{"transcription": "transcribe-url"},
	}, zap.NewNop())

	if _, err := q.Add(context.Background(), "transcription", "p"); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if _, err := q.Add(context.Background(), "proposal", "p"); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if got := aws.ToString(fake.sent[0].QueueUrl); got != "transcribe-url" {
		t.Fatalf("override url = %q", got)
	}
	if got := aws.ToString(fake.sent[1].QueueUrl); got != "main" {
		t.Fatalf("default url = %q", got)
	}
}

func TestReceiveCountFallsBackToOne(t *testing.T) {
	if got := receiveCount(types.Message{}); got != 1 {
		t.Fatalf("missing attribute = %d, want 1", got)
	}
	m := types.Message{Attributes: map[string]string{"ApproximateReceiveCount": "junk"}}
	if got := receiveCount(m); got != 1 {
		t.Fatalf("unparsable attribute = %d, want 1", got)
	}
}
