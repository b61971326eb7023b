package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job is one unit of asynchronous work flowing through a Queue. Its fields
// are mutated only by the owning provider's consumption loop; callers see
// snapshots via GetJob.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	Attempts     int             `json:"attempts"`
	ProcessedOn  *time.Time      `json:"processed_on,omitempty"`
	FailedReason string          `json:"failed_reason,omitempty"`
}

// Result reports the outcome of a single processor invocation. Build one
// with Success or Failure; it is consumed by the provider to decide
// acknowledge vs retry and is never persisted.
type Result struct {
	ok   bool
	Data json.RawMessage
	Err  string
}

func Success(data json.RawMessage) Result {
	return Result{ok: true, Data: data}
}

func Failure(err error) Result {
	r := Result{}
	if err != nil {
		r.Err = err.Error()
	}
	return r
}

func (r Result) OK() bool { return r.ok }

// envelope is the wire format shared by the durable backends:
// {jobName, jobId, data, timestamp}. Attempt is only carried by backends
// that track retries in the message itself.
type envelope struct {
	JobName   string          `json:"jobName"`
	JobID     string          `json:"jobId"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	Attempt   int             `json:"attempt,omitempty"`
}

// marshalPayload normalizes an arbitrary payload into raw JSON. Payloads
// that are already encoded pass through untouched.
func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return b, nil
	}
}
