// Package queue defines the delayed-job contract the delivery pipeline relies
// on: idempotent enqueue by deterministic job key, lookup and removal by key,
// and an at-least-once due-job callback with bounded retries.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrSkipRetry, wrapped into a handler error, tells the queue the failure is
// permanent for this job: it is parked in the dead set without further
// attempts.
var ErrSkipRetry = errors.New("skip retry")

// Handler processes one due job. A nil return acknowledges the job; an error
// re-schedules it with backoff until its retry policy is exhausted.
type Handler func(ctx context.Context, job Job) error

// DelayedQueue is the broker port. Implementations must treat Job.Key as the
// idempotency boundary: enqueueing an already-live key is a no-op.
type DelayedQueue interface {
	// Enqueue submits a job for execution after job.Delay. It returns false
	// when a live job with the same key already exists.
	Enqueue(ctx context.Context, job Job) (bool, error)
	GetJob(ctx context.Context, key string) (*Job, error)
	// RemoveJob deletes a queued job by key. It returns false when no live
	// job with that key exists.
	RemoveJob(ctx context.Context, key string) (bool, error)
	// Run invokes handler for due jobs until ctx is cancelled.
	Run(ctx context.Context, handler Handler) error
	Close() error
}

// RetryPolicy bounds job re-execution: MaxAttempts total tries with
// exponential backoff from BaseDelay capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int           `json:"maxAttempts"`
	BaseDelay   time.Duration `json:"baseDelay"`
	MaxDelay    time.Duration `json:"maxDelay"`
}

// Delay returns the backoff before the attempt following attemptNumber
// (1-based): base, 2*base, 4*base... capped at MaxDelay.
func (p RetryPolicy) Delay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
