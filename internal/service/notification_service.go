// Package service holds the application flows: scheduling a notification,
// cancelling it, bulk deletion, and device registration.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"courier/internal/dispatch"
	"courier/internal/domain"
	"courier/internal/events"
	"courier/internal/localtime"
	"courier/internal/queue"
	"courier/internal/repository"
)

// pastGrace tolerates clock skew between the caller and this host before a
// scheduled time is rejected as already past.
const pastGrace = 30 * time.Second

// CreateParams carries the raw scheduling request. ScheduledAt stays a string
// until the normalizer has classified it.
type CreateParams struct {
	Title          string
	Body           string
	ScheduledAt    string
	Category       string
	Priority       string
	TargetAudience string
	Data           map[string]string
	DeviceIDs      []string
}

// CreateResult pairs the stored record with its fan-out size and the
// wall-clock rendering of the scheduled instant.
type CreateResult struct {
	Notification  *domain.Notification
	DeviceCount   int
	JobsSubmitted int
	LocalDisplay  string
}

type CancellationResult struct {
	Notification *domain.Notification
	JobsRemoved  int
}

type BulkDeleteResult struct {
	Deleted     int64
	JobsRemoved int
}

type NotificationService struct {
	notifications repository.NotificationRepository
	devices       repository.DeviceRepository
	attempts      repository.AttemptRepository
	planner       *dispatch.Planner
	queue         queue.DelayedQueue
	normalizer    *localtime.Normalizer
	bus           *events.Bus
	logger        *zap.Logger
	now           func() time.Time
}

func NewNotificationService(
	notifications repository.NotificationRepository,
	devices repository.DeviceRepository,
	attempts repository.AttemptRepository,
	planner *dispatch.Planner,
	q queue.DelayedQueue,
	normalizer *localtime.Normalizer,
	bus *events.Bus,
	logger *zap.Logger,
) (*NotificationService, error) {
	if notifications == nil || devices == nil || attempts == nil {
		return nil, fmt.Errorf("repositories are required")
	}
	if planner == nil {
		return nil, fmt.Errorf("planner is required")
	}
	if q == nil {
		return nil, fmt.Errorf("delayed queue is required")
	}
	if normalizer == nil {
		return nil, fmt.Errorf("time normalizer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NotificationService{
		notifications: notifications,
		devices:       devices,
		attempts:      attempts,
		planner:       planner,
		queue:         q,
		normalizer:    normalizer,
		bus:           bus,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// Create validates and persists one logical notification, then fans it out
// into per-device delivery jobs. One record exists per request regardless of
// how many devices it targets.
func (s *NotificationService) Create(ctx context.Context, params CreateParams) (*CreateResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	now := s.now().UTC()

	// A missing schedule means send now; the planner's minimum delay still
	// applies.
	var normalized localtime.Normalized
	if strings.TrimSpace(params.ScheduledAt) == "" {
		normalized = s.normalizer.FromTime(now)
	} else {
		var err error
		normalized, err = s.normalizer.Normalize(params.ScheduledAt)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrValidation, err.Error())
		}
		if normalized.Instant.Before(now.Add(-pastGrace)) {
			return nil, fmt.Errorf("%w: scheduled time %s is in the past (now %s)",
				domain.ErrScheduling, normalized.LocalDisplay, s.normalizer.FromTime(now).LocalDisplay)
		}
	}

	priority := domain.PriorityNormal
	if strings.TrimSpace(params.Priority) != "" {
		parsed, err := domain.ParsePriorityFromString(params.Priority)
		if err != nil {
			return nil, err
		}
		priority = parsed
	}

	devices, err := s.resolveTargets(ctx, params.DeviceIDs)
	if err != nil {
		return nil, err
	}

	notification := &domain.Notification{
		ID:             uuid.NewString(),
		Title:          strings.TrimSpace(params.Title),
		Body:           strings.TrimSpace(params.Body),
		Data:           params.Data,
		ScheduledAt:    normalized.Instant,
		Status:         domain.StatusScheduled,
		Category:       strings.TrimSpace(params.Category),
		Priority:       priority,
		TargetAudience: strings.TrimSpace(params.TargetAudience),
	}
	if err := notification.Validate(); err != nil {
		return nil, err
	}

	if err := s.notifications.Create(ctx, notification); err != nil {
		return nil, fmt.Errorf("failed to store notification: %w", err)
	}

	jobs := s.planner.Plan(*notification, devices)
	submitted, submitErr := s.planner.Submit(ctx, jobs)
	if submitted == 0 && submitErr != nil {
		reason := "failed to enqueue delivery jobs"
		if markErr := s.notifications.MarkFailed(ctx, notification.ID, reason); markErr != nil {
			s.logger.Error("failed to mark notification after enqueue failure",
				zap.String("notificationId", notification.ID),
				zap.Error(markErr),
			)
		} else {
			s.publish(notification.ID, domain.StatusFailed, reason)
		}
		return nil, fmt.Errorf("failed to enqueue delivery jobs: %w", submitErr)
	}
	if submitErr != nil {
		// Partial fan-out: the record stays scheduled and the missing
		// devices surface in the attempt log as absent.
		s.logger.Warn("notification scheduled with partial fan-out",
			zap.String("notificationId", notification.ID),
			zap.Int("submitted", submitted),
			zap.Int("planned", len(jobs)),
			zap.Error(submitErr),
		)
	}

	s.logger.Info("notification scheduled",
		zap.String("notificationId", notification.ID),
		zap.Time("scheduledAt", notification.ScheduledAt),
		zap.Int("devices", len(devices)),
	)

	return &CreateResult{
		Notification:  notification,
		DeviceCount:   len(devices),
		JobsSubmitted: submitted,
		LocalDisplay:  normalized.LocalDisplay,
	}, nil
}

func (s *NotificationService) resolveTargets(ctx context.Context, deviceIDs []string) ([]domain.Device, error) {
	if len(deviceIDs) == 0 {
		devices, err := s.devices.ListActive(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list active devices: %w", err)
		}
		if len(devices) == 0 {
			return nil, fmt.Errorf("%w: no active devices registered", domain.ErrValidation)
		}
		return devices, nil
	}

	devices, err := s.devices.GetByIDs(ctx, deviceIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve target devices: %w", err)
	}

	found := make(map[string]bool, len(devices))
	for _, d := range devices {
		found[d.ID] = true
	}
	for _, id := range deviceIDs {
		if !found[id] {
			return nil, fmt.Errorf("%w: unknown device id %q", domain.ErrValidation, id)
		}
	}

	active := make([]domain.Device, 0, len(devices))
	for _, d := range devices {
		if d.IsActive {
			active = append(active, d)
		}
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("%w: no active devices among targets", domain.ErrValidation)
	}

	return active, nil
}

func (s *NotificationService) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	return s.notifications.GetByID(ctx, strings.TrimSpace(id))
}

func (s *NotificationService) Attempts(ctx context.Context, id string) ([]domain.DeliveryAttempt, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	return s.attempts.GetByNotificationID(ctx, strings.TrimSpace(id))
}

func (s *NotificationService) List(
	ctx context.Context,
	params repository.ListParams,
) ([]domain.Notification, int64, error) {
	return s.notifications.List(ctx, params)
}

func (s *NotificationService) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	counts, err := s.notifications.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	result := map[domain.Status]int64{
		domain.StatusScheduled: 0,
		domain.StatusSent:      0,
		domain.StatusFailed:    0,
		domain.StatusCancelled: 0,
	}
	for _, c := range counts {
		result[c.Status] = c.Count
	}
	return result, nil
}

// Cancel removes the notification's queued jobs best-effort, then flips the
// record SCHEDULED -> CANCELLED. A delivery racing the cancel can still win;
// the guarded transition keeps exactly one terminal outcome either way.
func (s *NotificationService) Cancel(ctx context.Context, id string) (*CancellationResult, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	id = strings.TrimSpace(id)

	notification, err := s.notifications.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if notification.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: notification is already %s", domain.ErrConflict, notification.Status)
	}

	removed := s.removeJobs(ctx, id)

	cancelledAt := s.now().UTC()
	if err := s.notifications.MarkCancelled(ctx, id, cancelledAt); err != nil {
		return nil, err
	}

	notification.Status = domain.StatusCancelled
	notification.CancelledAt = &cancelledAt
	s.publish(id, domain.StatusCancelled, "cancelled by request")

	s.logger.Info("notification cancelled",
		zap.String("notificationId", id),
		zap.Int("jobsRemoved", removed),
	)

	return &CancellationResult{
		Notification: notification,
		JobsRemoved:  removed,
	}, nil
}

// Delete removes a single notification and its queued jobs.
func (s *NotificationService) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	id = strings.TrimSpace(id)

	notification, err := s.notifications.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if notification.Status == domain.StatusScheduled {
		s.removeJobs(ctx, id)
	}

	deleted, err := s.notifications.DeleteByIDs(ctx, []string{id})
	if err != nil {
		return err
	}
	if deleted == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// BulkDelete deletes every notification matching the filter and cleans up
// queued jobs for the scheduled ones. It reports counts, never per-row
// errors: a job that is already gone is success, not failure.
func (s *NotificationService) BulkDelete(ctx context.Context, filter repository.DeleteFilter) (*BulkDeleteResult, error) {
	if filter.IsEmpty() {
		return nil, fmt.Errorf("%w: delete filter must not be empty", domain.ErrValidation)
	}

	matches, err := s.notifications.FindForDeletion(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return &BulkDeleteResult{}, nil
	}

	removed := 0
	ids := make([]string, 0, len(matches))
	for _, n := range matches {
		ids = append(ids, n.ID)
		if n.Status == domain.StatusScheduled {
			removed += s.removeJobs(ctx, n.ID)
		}
	}

	deleted, err := s.notifications.DeleteByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	s.logger.Info("bulk delete completed",
		zap.Int64("deleted", deleted),
		zap.Int("jobsRemoved", removed),
	)

	return &BulkDeleteResult{
		Deleted:     deleted,
		JobsRemoved: removed,
	}, nil
}

// removeJobs reconstructs every possible job key for the notification and
// removes whatever is still queued. Absent keys are no-ops.
func (s *NotificationService) removeJobs(ctx context.Context, notificationID string) int {
	deviceIDs, err := s.devices.ListIDs(ctx)
	if err != nil {
		s.logger.Warn("failed to enumerate devices for job removal",
			zap.String("notificationId", notificationID),
			zap.Error(err),
		)
		return 0
	}

	removed := 0
	for _, deviceID := range deviceIDs {
		key := dispatch.JobKey(notificationID, deviceID)
		ok, err := s.queue.RemoveJob(ctx, key)
		if err != nil {
			s.logger.Warn("failed to remove delivery job",
				zap.String("jobKey", key),
				zap.Error(err),
			)
			continue
		}
		if ok {
			removed++
		}
	}
	return removed
}

func (s *NotificationService) publish(notificationID string, to domain.Status, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.StatusChanged{
		NotificationID: notificationID,
		From:           domain.StatusScheduled,
		To:             to,
		Reason:         reason,
		At:             s.now().UTC(),
	})
}
