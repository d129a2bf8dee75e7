// Package dispatch turns a stored notification and its target devices into
// delayed delivery jobs with deterministic keys.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"courier/internal/domain"
	"courier/internal/queue"
)

const (
	// minDelay keeps the record commit ahead of the first job claim.
	minDelay     = 1 * time.Second
	nearDelay    = 2 * time.Second
	nearHorizon  = 1 * time.Minute
	dataCategory = "category"
	dataPriority = "priority"
)

var defaultRetryPolicy = queue.RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   1 * time.Second,
	MaxDelay:    60 * time.Second,
}

// JobKey is the deterministic queue key for one (notification, device) pair.
// Re-planning the same notification always yields the same keys, so enqueue
// is idempotent end to end.
func JobKey(notificationID string, deviceID string) string {
	return fmt.Sprintf("dispatch:%s:%s", notificationID, deviceID)
}

// Planner fans a notification out into per-device delivery jobs and submits
// them to the delayed queue.
type Planner struct {
	queue  queue.DelayedQueue
	retry  queue.RetryPolicy
	logger *zap.Logger
	now    func() time.Time
}

func NewPlanner(q queue.DelayedQueue, logger *zap.Logger) (*Planner, error) {
	if q == nil {
		return nil, fmt.Errorf("delayed queue is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Planner{
		queue:  q,
		retry:  defaultRetryPolicy,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Plan builds one job per device. The job delay honors the scheduled time
// with a floor so immediate sends never race the record commit.
func (p *Planner) Plan(n domain.Notification, devices []domain.Device) []queue.Job {
	jobs := make([]queue.Job, 0, len(devices))
	now := p.now()

	for _, device := range devices {
		delay := n.ScheduledAt.Sub(now)
		floor := minDelay
		if delay < nearHorizon {
			floor = nearDelay
		}
		if delay < floor {
			delay = floor
		}

		data := map[string]string{}
		for k, v := range n.Data {
			data[k] = v
		}
		if n.Category != "" {
			data[dataCategory] = n.Category
		}
		data[dataPriority] = n.Priority.String()

		jobs = append(jobs, queue.Job{
			Key:            JobKey(n.ID, device.ID),
			NotificationID: n.ID,
			DeviceID:       device.ID,
			Title:          n.Title,
			Body:           n.Body,
			Data:           data,
			Delay:          delay,
			Retry:          p.retry,
		})
	}

	return jobs
}

// Submit enqueues every planned job and returns how many were newly added.
// Duplicate keys are counted as submitted since an equivalent job is already
// live. Enqueue failures are joined so partial fan-out stays visible.
func (p *Planner) Submit(ctx context.Context, jobs []queue.Job) (int, error) {
	submitted := 0
	var errs []error

	for _, job := range jobs {
		added, err := p.queue.Enqueue(ctx, job)
		if err != nil {
			p.logger.Warn("failed to enqueue delivery job",
				zap.String("jobKey", job.Key),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("job %s: %w", job.Key, err))
			continue
		}

		submitted++
		if !added {
			p.logger.Debug("delivery job already queued", zap.String("jobKey", job.Key))
		}
	}

	return submitted, errors.Join(errs...)
}
