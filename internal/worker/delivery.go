// Package worker executes delayed delivery jobs: resolve the target device,
// call the push gateway, and settle the notification record exactly once.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"courier/internal/domain"
	"courier/internal/events"
	"courier/internal/gateway"
	"courier/internal/observability"
	"courier/internal/queue"
	"courier/internal/ratelimit"
	"courier/internal/repository"
)

const deviceNotFoundReason = "device not found"

type DeliveryWorker struct {
	notifications repository.NotificationRepository
	devices       repository.DeviceRepository
	attempts      repository.AttemptRepository
	gateway       gateway.Gateway
	rateLimiter   ratelimit.RateLimiter
	bus           *events.Bus
	metrics       *observability.Metrics
	logger        *zap.Logger
	now           func() time.Time
}

func NewDeliveryWorker(
	notifications repository.NotificationRepository,
	devices repository.DeviceRepository,
	attempts repository.AttemptRepository,
	gw gateway.Gateway,
	rateLimiter ratelimit.RateLimiter,
	bus *events.Bus,
	logger *zap.Logger,
) (*DeliveryWorker, error) {
	if notifications == nil || devices == nil || attempts == nil {
		return nil, fmt.Errorf("repositories are required")
	}
	if gw == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeliveryWorker{
		notifications: notifications,
		devices:       devices,
		attempts:      attempts,
		gateway:       gw,
		rateLimiter:   rateLimiter,
		bus:           bus,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (w *DeliveryWorker) SetMetrics(metrics *observability.Metrics) {
	if w == nil {
		return
	}
	w.metrics = metrics
}

// HandleJob processes one due delivery job. A nil return acknowledges the
// job; a plain error re-queues it with backoff; an error wrapping
// queue.ErrSkipRetry parks it.
func (w *DeliveryWorker) HandleJob(ctx context.Context, job queue.Job) error {
	notification, err := w.notifications.GetByID(ctx, job.NotificationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			observability.WithContextLogger(w.logger, ctx).Warn(
				"notification gone before delivery, skipping",
				zap.String("notificationId", job.NotificationID),
			)
			return nil
		}
		return fmt.Errorf("failed to load notification: %w", err)
	}

	// Cancelled or already settled records ack silently; the queue removal
	// on cancel is best-effort and this is the backstop.
	if notification.Status != domain.StatusScheduled {
		return nil
	}

	device, err := w.resolveDevice(ctx, job.DeviceID)
	if err != nil {
		return err
	}
	if device == nil {
		w.recordAttempt(ctx, job, nil, fmt.Errorf("%s", deviceNotFoundReason))
		w.markFailed(ctx, job.NotificationID, deviceNotFoundReason, "unknown", "device_not_found")
		return fmt.Errorf("%s: %w", deviceNotFoundReason, queue.ErrSkipRetry)
	}

	platform := strings.ToLower(device.Platform.String())
	if w.metrics != nil {
		w.metrics.IncWorkerInFlight(platform)
		defer w.metrics.DecWorkerInFlight(platform)
	}

	if w.rateLimiter != nil {
		if err := w.rateLimiter.Wait(ctx, platform); err != nil {
			return fmt.Errorf("rate limiter wait failed: %w", err)
		}
	}

	sendStart := w.now()
	receipt, sendErr := w.gateway.Send(ctx, gateway.Delivery{
		Device: *device,
		Title:  job.Title,
		Body:   job.Body,
		Data:   job.Data,
	})
	if w.metrics != nil {
		w.metrics.ObserveDeliverySendDuration(platform, w.now().Sub(sendStart))
	}

	w.recordAttempt(ctx, job, receipt, sendErr)

	if sendErr == nil {
		if receipt != nil && !receipt.Accepted {
			reason := receipt.Reason
			if reason == "" {
				reason = "rejected by gateway"
			}
			w.markFailed(ctx, job.NotificationID, reason, platform, "rejected")
			return nil
		}
		return w.settleSent(ctx, job, device, platform)
	}

	if !gateway.IsTransient(sendErr) {
		w.markFailed(ctx, job.NotificationID, sendErr.Error(), platform, "permanent_error")
		return fmt.Errorf("permanent gateway failure: %w", errors.Join(sendErr, queue.ErrSkipRetry))
	}

	// Transient failure on the final attempt settles the record before the
	// queue parks the job.
	if job.Attempt >= job.Retry.MaxAttempts {
		w.markFailed(ctx, job.NotificationID, "retries exhausted: "+sendErr.Error(), platform, "retry_exhausted")
	}

	return fmt.Errorf("transient gateway failure: %w", sendErr)
}

// resolveDevice returns nil without error when the device is missing or
// inactive; that is a per-device terminal outcome, not an infrastructure
// failure.
func (w *DeliveryWorker) resolveDevice(ctx context.Context, deviceID string) (*domain.Device, error) {
	device, err := w.devices.GetByID(ctx, deviceID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device: %w", err)
	}
	if !device.IsActive {
		return nil, nil
	}
	return device, nil
}

func (w *DeliveryWorker) settleSent(ctx context.Context, job queue.Job, device *domain.Device, platform string) error {
	deliveredAt := w.now().UTC()
	err := w.notifications.MarkSent(ctx, job.NotificationID, deliveredAt)
	if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
		// A cancel or a competing delivery settled the record first.
		observability.WithContextLogger(w.logger, ctx).Info(
			"delivery succeeded but record already settled",
			zap.String("notificationId", job.NotificationID),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}

	if err := w.devices.TouchLastActive(ctx, device.ID, deliveredAt); err != nil {
		w.logger.Warn("failed to update device last active time",
			zap.String("deviceId", device.ID),
			zap.Error(err),
		)
	}

	if w.metrics != nil {
		w.metrics.IncDeliverySent(platform)
	}
	w.publish(job.NotificationID, domain.StatusSent, "")

	w.logger.Info("notification delivered",
		zap.String("notificationId", job.NotificationID),
		zap.String("deviceId", job.DeviceID),
		zap.Int("attempt", job.Attempt),
	)
	return nil
}

// markFailed is tolerant of losing the settle race; the record keeps
// whichever terminal status was written first.
func (w *DeliveryWorker) markFailed(ctx context.Context, notificationID string, reason string, platform string, metricReason string) {
	err := w.notifications.MarkFailed(ctx, notificationID, reason)
	if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
		return
	}
	if err != nil {
		w.logger.Error("failed to mark notification failed",
			zap.String("notificationId", notificationID),
			zap.Error(err),
		)
		return
	}

	if w.metrics != nil {
		w.metrics.IncDeliveryFailed(platform, metricReason)
	}
	w.publish(notificationID, domain.StatusFailed, reason)
}

func (w *DeliveryWorker) recordAttempt(ctx context.Context, job queue.Job, receipt *gateway.Receipt, sendErr error) {
	var statusCode *int
	var reason *string

	if receipt != nil {
		if receipt.StatusCode > 0 {
			value := receipt.StatusCode
			statusCode = &value
		}
		if r := strings.TrimSpace(receipt.Reason); r != "" {
			reason = &r
		}
	}

	if sendErr != nil {
		value := sendErr.Error()
		reason = &value

		var gatewayErr *gateway.GatewayError
		if errors.As(sendErr, &gatewayErr) && gatewayErr.StatusCode > 0 && statusCode == nil {
			code := gatewayErr.StatusCode
			statusCode = &code
		}
	}

	attempt := &domain.DeliveryAttempt{
		ID:             uuid.NewString(),
		NotificationID: job.NotificationID,
		DeviceID:       job.DeviceID,
		AttemptNumber:  job.Attempt,
		StatusCode:     statusCode,
		Reason:         reason,
		CreatedAt:      w.now().UTC(),
	}

	if err := w.attempts.Create(ctx, attempt); err != nil {
		w.logger.Warn("failed to record delivery attempt",
			zap.String("jobKey", job.Key),
			zap.Error(err),
		)
	}
}

func (w *DeliveryWorker) publish(notificationID string, to domain.Status, reason string) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(events.StatusChanged{
		NotificationID: notificationID,
		From:           domain.StatusScheduled,
		To:             to,
		Reason:         reason,
		At:             w.now().UTC(),
	})
}
