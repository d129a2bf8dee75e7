package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"courier/internal/observability"
	"courier/internal/queue"
)

const (
	defaultPollInterval = 200 * time.Millisecond
	defaultVisibility   = 30 * time.Second
	defaultConcurrency  = 16
	defaultClaimBatch   = 64
	retryJitterMs       = 250
)

var defaultRetryPolicy = queue.RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   2 * time.Second,
	MaxDelay:    30 * time.Second,
}

// enqueueScript registers a job unless a live job with the same key exists.
// KEYS[1] jobs hash, KEYS[2] due zset. ARGV[1] key, ARGV[2] payload,
// ARGV[3] ready-at in unix milliseconds.
var enqueueScript = goredis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// claimScript pops due jobs and pushes their scores forward by the visibility
// timeout, so a crashed worker releases them instead of losing them.
// KEYS[1] due zset, KEYS[2] jobs hash. ARGV[1] now ms, ARGV[2] redelivery
// deadline ms, ARGV[3] batch size.
var claimScript = goredis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[3])
local claimed = {}
for _, key in ipairs(due) do
  local payload = redis.call("HGET", KEYS[2], key)
  if payload then
    redis.call("ZADD", KEYS[1], ARGV[2], key)
    claimed[#claimed + 1] = payload
  else
    redis.call("ZREM", KEYS[1], key)
  end
end
return claimed
`)

// removeScript deletes a live job by key. KEYS[1] jobs hash, KEYS[2] due
// zset. ARGV[1] key.
var removeScript = goredis.NewScript(`
if redis.call("HDEL", KEYS[1], ARGV[1]) == 1 then
  redis.call("ZREM", KEYS[2], ARGV[1])
  return 1
end
redis.call("ZREM", KEYS[2], ARGV[1])
return 0
`)

var _ queue.DelayedQueue = (*DelayedJobQueue)(nil)

// QueueOptions tunes the delayed queue. Zero values fall back to defaults.
type QueueOptions struct {
	KeyPrefix    string
	PollInterval time.Duration
	Visibility   time.Duration
	Concurrency  int
}

// DelayedJobQueue is a Redis-backed delayed job queue. Job payloads live in a
// hash keyed by job key and readiness is tracked in a sorted set scored by
// ready-at time, which keeps enqueue, lookup, and removal O(1) per key.
// Delivery is at-least-once: a claimed job stays in the sorted set with a
// pushed-forward score until it is acknowledged.
type DelayedJobQueue struct {
	client      *goredis.Client
	logger      *zap.Logger
	metrics     *observability.Metrics
	jobsKey     string
	dueKey      string
	deadKey     string
	poll        time.Duration
	visibility  time.Duration
	concurrency int
	claimBatch  int

	now      func() time.Time
	randIntn func(n int) int
}

func NewDelayedJobQueue(
	client *goredis.Client,
	logger *zap.Logger,
	metrics *observability.Metrics,
	opts QueueOptions,
) (*DelayedJobQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "courier"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Visibility <= 0 {
		opts.Visibility = defaultVisibility
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}

	return &DelayedJobQueue{
		client:      client,
		logger:      logger,
		metrics:     metrics,
		jobsKey:     opts.KeyPrefix + ":jobs",
		dueKey:      opts.KeyPrefix + ":due",
		deadKey:     opts.KeyPrefix + ":dead",
		poll:        opts.PollInterval,
		visibility:  opts.Visibility,
		concurrency: opts.Concurrency,
		claimBatch:  defaultClaimBatch,
		now:         time.Now,
		randIntn:    newJitterSource(),
	}, nil
}

// Enqueue registers job to run after job.Delay. A live job with the same key
// makes this a no-op and returns false.
func (q *DelayedJobQueue) Enqueue(ctx context.Context, job queue.Job) (bool, error) {
	if err := job.Validate(); err != nil {
		return false, fmt.Errorf("invalid job: %w", err)
	}
	if job.Retry.MaxAttempts <= 0 {
		job.Retry = defaultRetryPolicy
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to encode job %s: %w", job.Key, err)
	}

	readyAt := q.now().Add(job.Delay).UnixMilli()
	added, err := enqueueScript.Run(ctx, q.client, []string{q.jobsKey, q.dueKey}, job.Key, payload, readyAt).Int()
	if err != nil {
		return false, fmt.Errorf("failed to enqueue job %s: %w", job.Key, err)
	}
	if added == 0 {
		return false, nil
	}

	q.metrics.IncJobEnqueued()
	return true, nil
}

// GetJob returns the live job stored under key, or nil when absent.
func (q *DelayedJobQueue) GetJob(ctx context.Context, key string) (*queue.Job, error) {
	payload, err := q.client.HGet(ctx, q.jobsKey, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", key, err)
	}

	var job queue.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", key, err)
	}
	return &job, nil
}

// RemoveJob deletes a queued job by key. Removing an absent key is a no-op
// and returns false.
func (q *DelayedJobQueue) RemoveJob(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("job key is required")
	}

	removed, err := removeScript.Run(ctx, q.client, []string{q.jobsKey, q.dueKey}, key).Int()
	if err != nil {
		return false, fmt.Errorf("failed to remove job %s: %w", key, err)
	}
	if removed == 0 {
		return false, nil
	}

	q.metrics.IncJobRemoved()
	return true, nil
}

// Run polls for due jobs and dispatches them to handler with bounded
// concurrency until ctx is cancelled. Handler failures are retried with
// exponential backoff and parked in the dead set once exhausted.
func (q *DelayedJobQueue) Run(ctx context.Context, handler queue.Handler) error {
	if handler == nil {
		return fmt.Errorf("handler is required")
	}

	group := new(errgroup.Group)
	group.SetLimit(q.concurrency)

	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = group.Wait()
			return ctx.Err()
		case <-ticker.C:
			payloads, err := q.claimDue(ctx)
			if err != nil {
				if ctx.Err() != nil {
					_ = group.Wait()
					return ctx.Err()
				}
				q.logger.Warn("failed to claim due jobs", zap.Error(err))
				continue
			}

			for _, payload := range payloads {
				payload := payload
				group.Go(func() error {
					q.process(ctx, handler, payload)
					return nil
				})
			}
		}
	}
}

func (q *DelayedJobQueue) Close() error {
	return q.client.Close()
}

func (q *DelayedJobQueue) claimDue(ctx context.Context) ([]string, error) {
	now := q.now().UnixMilli()
	deadline := now + q.visibility.Milliseconds()

	result, err := claimScript.Run(ctx, q.client, []string{q.dueKey, q.jobsKey}, now, deadline, q.claimBatch).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to claim due jobs: %w", err)
	}
	return result, nil
}

func (q *DelayedJobQueue) process(ctx context.Context, handler queue.Handler, payload string) {
	var job queue.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		q.logger.Error("failed to decode claimed job", zap.Error(err))
		return
	}
	job.Attempt++

	ctx = observability.WithJobKey(ctx, job.Key)
	err := handler(ctx, job)
	if err == nil {
		if _, ackErr := q.ack(ctx, job.Key); ackErr != nil {
			q.logger.Warn("failed to ack job", zap.String("jobKey", job.Key), zap.Error(ackErr))
		}
		return
	}

	if errors.Is(err, queue.ErrSkipRetry) {
		q.park(ctx, job, err)
		return
	}

	if job.Attempt >= job.Retry.MaxAttempts {
		q.logger.Warn("job retries exhausted",
			zap.String("jobKey", job.Key),
			zap.Int("attempt", job.Attempt),
			zap.Error(err),
		)
		q.park(ctx, job, err)
		return
	}

	if requeueErr := q.requeue(ctx, job); requeueErr != nil {
		q.logger.Error("failed to requeue job", zap.String("jobKey", job.Key), zap.Error(requeueErr))
		return
	}

	q.metrics.IncRetryScheduled()
	q.logger.Info("job scheduled for retry",
		zap.String("jobKey", job.Key),
		zap.Int("attempt", job.Attempt),
		zap.Error(err),
	)
}

// ack removes the job without counting it against the removed-jobs metric.
func (q *DelayedJobQueue) ack(ctx context.Context, key string) (bool, error) {
	removed, err := removeScript.Run(ctx, q.client, []string{q.jobsKey, q.dueKey}, key).Int()
	if err != nil {
		return false, err
	}
	return removed == 1, nil
}

func (q *DelayedJobQueue) requeue(ctx context.Context, job queue.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.Key, err)
	}

	delay := job.Retry.Delay(job.Attempt) + time.Duration(q.randIntn(retryJitterMs))*time.Millisecond
	readyAt := q.now().Add(delay).UnixMilli()

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobsKey, job.Key, payload)
	pipe.ZAdd(ctx, q.dueKey, goredis.Z{Score: float64(readyAt), Member: job.Key})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to reschedule job %s: %w", job.Key, err)
	}
	return nil
}

// park moves an unrecoverable job into the dead set for operator inspection.
func (q *DelayedJobQueue) park(ctx context.Context, job queue.Job, cause error) {
	payload, err := json.Marshal(job)
	if err != nil {
		q.logger.Error("failed to encode dead job", zap.String("jobKey", job.Key), zap.Error(err))
		payload = []byte(`{"key":"` + job.Key + `"}`)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.deadKey, job.Key, payload)
	pipe.HDel(ctx, q.jobsKey, job.Key)
	pipe.ZRem(ctx, q.dueKey, job.Key)
	if _, pipeErr := pipe.Exec(ctx); pipeErr != nil {
		q.logger.Error("failed to park dead job", zap.String("jobKey", job.Key), zap.Error(pipeErr))
		return
	}

	q.logger.Warn("job parked in dead set",
		zap.String("jobKey", job.Key),
		zap.Int("attempt", job.Attempt),
		zap.Error(cause),
	)
}

func newJitterSource() func(n int) int {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var mu sync.Mutex
	return func(n int) int {
		if n <= 0 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return rng.Intn(n)
	}
}
