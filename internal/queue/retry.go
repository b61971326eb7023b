package queue

import (
	"math/rand/v2"
	"time"
)

type BackoffConfig struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

// RetryPolicy makes the retry budget and backoff between attempts an
// explicit, testable parameter instead of burying them in the loop body.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     BackoffConfig
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Backoff.Base <= 0 {
		p.Backoff.Base = 500 * time.Millisecond
	}
	if p.Backoff.Max <= 0 {
		p.Backoff.Max = 5 * time.Second
	}
	return p
}

// Exhausted reports whether a job that has been delivered attempts times
// has used up its budget.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// Delay returns how long to hold a job back before redelivery: linear in
// the attempt number, capped at Max, plus optional jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.Backoff.Base * time.Duration(attempt)
	if d > p.Backoff.Max {
		d = p.Backoff.Max
	}
	if p.Backoff.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(p.Backoff.Jitter)))
	}
	return d
}
