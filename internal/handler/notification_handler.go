package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"courier/internal/domain"
	"courier/internal/repository"
	"courier/internal/service"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type NotificationService interface {
	Create(ctx context.Context, params service.CreateParams) (*service.CreateResult, error)
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	Attempts(ctx context.Context, id string) ([]domain.DeliveryAttempt, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error)
	CountByStatus(ctx context.Context) (map[domain.Status]int64, error)
	Cancel(ctx context.Context, id string) (*service.CancellationResult, error)
	Delete(ctx context.Context, id string) error
	BulkDelete(ctx context.Context, filter repository.DeleteFilter) (*service.BulkDeleteResult, error)
}

type NotificationHandler struct {
	service  NotificationService
	validate *validator.Validate
}

func NewNotificationHandler(service NotificationService) (*NotificationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	return &NotificationHandler{
		service:  service,
		validate: validator.New(),
	}, nil
}

func RegisterNotificationRoutes(router fiber.Router, service NotificationService) error {
	h, err := NewNotificationHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications", h.CreateNotification)
	v1.Get("/notifications/counts", h.GetStatusCounts)
	v1.Get("/notifications/:id", h.GetNotification)
	v1.Post("/notifications/:id/cancel", h.CancelNotification)
	v1.Delete("/notifications/:id", h.DeleteNotification)
	v1.Get("/notifications", h.ListNotifications)
	v1.Delete("/notifications", h.BulkDeleteNotifications)

	return nil
}

type createNotificationRequest struct {
	Title          string            `json:"title" validate:"required,max=160"`
	Body           string            `json:"body" validate:"required,max=1024"`
	ScheduledAt    string            `json:"scheduledAt"`
	Category       string            `json:"category"`
	Priority       string            `json:"priority" validate:"omitempty,oneof=HIGH NORMAL LOW high normal low"`
	TargetAudience string            `json:"targetAudience"`
	Data           map[string]string `json:"data"`
	DeviceIDs      []string          `json:"deviceIds"`
}

type bulkDeleteRequest struct {
	IDs       []string `json:"ids"`
	Status    string   `json:"status"`
	OlderThan string   `json:"olderThan"`
}

type notificationResponse struct {
	ID             string            `json:"id"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	Data           map[string]string `json:"data,omitempty"`
	ScheduledAt    time.Time         `json:"scheduledAt"`
	Status         string            `json:"status"`
	Category       string            `json:"category,omitempty"`
	Priority       string            `json:"priority"`
	TargetAudience string            `json:"targetAudience,omitempty"`
	Error          *string           `json:"error,omitempty"`
	DeliveredAt    *time.Time        `json:"deliveredAt,omitempty"`
	CancelledAt    *time.Time        `json:"cancelledAt,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

type createNotificationResponse struct {
	notificationResponse
	ScheduledAtLocal string `json:"scheduledAtLocal"`
	DeviceCount      int    `json:"deviceCount"`
	JobsSubmitted    int    `json:"jobsSubmitted"`
}

type attemptResponse struct {
	ID            string    `json:"id"`
	DeviceID      string    `json:"deviceId"`
	AttemptNumber int       `json:"attemptNumber"`
	StatusCode    *int      `json:"statusCode,omitempty"`
	Reason        *string   `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type notificationDetailResponse struct {
	notificationResponse
	Attempts []attemptResponse `json:"attempts"`
}

type listNotificationsResponse struct {
	Data []notificationResponse `json:"data"`
	Meta listMeta               `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *NotificationHandler) CreateNotification(c *fiber.Ctx) error {
	var req createNotificationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	if err := h.validate.Struct(req); err != nil {
		return toHTTPError(validationError(err))
	}

	result, err := h.service.Create(c.Context(), service.CreateParams{
		Title:          req.Title,
		Body:           req.Body,
		ScheduledAt:    req.ScheduledAt,
		Category:       req.Category,
		Priority:       req.Priority,
		TargetAudience: req.TargetAudience,
		Data:           req.Data,
		DeviceIDs:      req.DeviceIDs,
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(createNotificationResponse{
		notificationResponse: toNotificationResponse(result.Notification),
		ScheduledAtLocal:     result.LocalDisplay,
		DeviceCount:          result.DeviceCount,
		JobsSubmitted:        result.JobsSubmitted,
	})
}

func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))

	notification, err := h.service.GetByID(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	attempts, err := h.service.Attempts(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(notificationDetailResponse{
		notificationResponse: toNotificationResponse(notification),
		Attempts:             toAttemptResponses(attempts),
	})
}

func (h *NotificationHandler) CancelNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))

	result, err := h.service.Cancel(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"notificationId": result.Notification.ID,
		"status":         result.Notification.Status.String(),
		"jobsRemoved":    result.JobsRemoved,
	})
}

func (h *NotificationHandler) DeleteNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))

	if err := h.service.Delete(c.Context(), id); err != nil {
		return toHTTPError(err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *NotificationHandler) BulkDeleteNotifications(c *fiber.Ctx) error {
	var req bulkDeleteRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	filter, err := parseDeleteFilter(req)
	if err != nil {
		return toHTTPError(err)
	}

	result, err := h.service.BulkDelete(c.Context(), filter)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"deleted":     result.Deleted,
		"jobsRemoved": result.JobsRemoved,
	})
}

func (h *NotificationHandler) ListNotifications(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	notifications, total, err := h.service.List(c.Context(), params)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(listNotificationsResponse{
		Data: toNotificationResponses(notifications),
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func (h *NotificationHandler) GetStatusCounts(c *fiber.Ctx) error {
	counts, err := h.service.CountByStatus(c.Context())
	if err != nil {
		return toHTTPError(err)
	}

	body := make(map[string]int64, len(counts))
	for status, count := range counts {
		body[status.String()] = count
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"counts": body,
	})
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	if category := strings.TrimSpace(c.Query("category")); category != "" {
		params.Category = &category
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.ListParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.ListParams{}, err
	}
	params.From = from
	params.To = to

	return params, nil
}

func parseDeleteFilter(req bulkDeleteRequest) (repository.DeleteFilter, error) {
	filter := repository.DeleteFilter{IDs: req.IDs}

	if rawStatus := strings.TrimSpace(req.Status); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return repository.DeleteFilter{}, err
		}
		filter.Status = &status
	}

	olderThan, err := parseRFC3339Query(req.OlderThan, "olderThan")
	if err != nil {
		return repository.DeleteFilter{}, err
	}
	filter.OlderThan = olderThan

	return filter, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Errorf("%w: field %q failed on %q", domain.ErrValidation, fe.Field(), fe.Tag())
	}
	return fmt.Errorf("%w: %s", domain.ErrValidation, err.Error())
}

func toNotificationResponses(notifications []domain.Notification) []notificationResponse {
	responses := make([]notificationResponse, 0, len(notifications))
	for _, notification := range notifications {
		n := notification
		responses = append(responses, toNotificationResponse(&n))
	}
	return responses
}

func toNotificationResponse(n *domain.Notification) notificationResponse {
	if n == nil {
		return notificationResponse{}
	}

	return notificationResponse{
		ID:             n.ID,
		Title:          n.Title,
		Body:           n.Body,
		Data:           n.Data,
		ScheduledAt:    n.ScheduledAt,
		Status:         n.Status.String(),
		Category:       n.Category,
		Priority:       n.Priority.String(),
		TargetAudience: n.TargetAudience,
		Error:          n.Error,
		DeliveredAt:    n.DeliveredAt,
		CancelledAt:    n.CancelledAt,
		CreatedAt:      n.CreatedAt,
		UpdatedAt:      n.UpdatedAt,
	}
}

func toAttemptResponses(attempts []domain.DeliveryAttempt) []attemptResponse {
	responses := make([]attemptResponse, 0, len(attempts))
	for _, attempt := range attempts {
		responses = append(responses, attemptResponse{
			ID:            attempt.ID,
			DeviceID:      attempt.DeviceID,
			AttemptNumber: attempt.AttemptNumber,
			StatusCode:    attempt.StatusCode,
			Reason:        attempt.Reason,
			CreatedAt:     attempt.CreatedAt,
		})
	}
	return responses
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrScheduling):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
