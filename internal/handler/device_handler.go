package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"courier/internal/domain"
)

type DeviceService interface {
	Register(ctx context.Context, pushToken string, platform string) (*domain.Device, error)
	List(ctx context.Context, page int, pageSize int) ([]domain.Device, int64, error)
}

type DeviceHandler struct {
	service  DeviceService
	validate *validator.Validate
}

func NewDeviceHandler(service DeviceService) (*DeviceHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("device service is required")
	}
	return &DeviceHandler{
		service:  service,
		validate: validator.New(),
	}, nil
}

func RegisterDeviceRoutes(router fiber.Router, service DeviceService) error {
	h, err := NewDeviceHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/devices", h.RegisterDevice)
	v1.Get("/devices", h.ListDevices)

	return nil
}

type registerDeviceRequest struct {
	PushToken string `json:"pushToken" validate:"required"`
	Platform  string `json:"platform" validate:"required"`
}

type deviceResponse struct {
	ID           string     `json:"id"`
	PushToken    string     `json:"pushToken"`
	Platform     string     `json:"platform"`
	IsActive     bool       `json:"isActive"`
	LastActiveAt *time.Time `json:"lastActiveAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

type listDevicesResponse struct {
	Data []deviceResponse `json:"data"`
	Meta listMeta         `json:"meta"`
}

func (h *DeviceHandler) RegisterDevice(c *fiber.Ctx) error {
	var req registerDeviceRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	if err := h.validate.Struct(req); err != nil {
		return toHTTPError(validationError(err))
	}

	device, err := h.service.Register(c.Context(), req.PushToken, req.Platform)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(toDeviceResponse(device))
}

func (h *DeviceHandler) ListDevices(c *fiber.Ctx) error {
	page := c.QueryInt("page", defaultPage)
	pageSize := c.QueryInt("pageSize", defaultPageSize)

	if page < 1 {
		return toHTTPError(fmt.Errorf("%w: page must be >= 1", domain.ErrValidation))
	}
	if pageSize < 1 || pageSize > maxPageSize {
		return toHTTPError(fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize))
	}

	devices, total, err := h.service.List(c.Context(), page, pageSize)
	if err != nil {
		return toHTTPError(err)
	}

	responses := make([]deviceResponse, 0, len(devices))
	for _, device := range devices {
		d := device
		responses = append(responses, toDeviceResponse(&d))
	}

	return c.Status(fiber.StatusOK).JSON(listDevicesResponse{
		Data: responses,
		Meta: listMeta{
			Page:     page,
			PageSize: pageSize,
			Total:    total,
		},
	})
}

func toDeviceResponse(d *domain.Device) deviceResponse {
	if d == nil {
		return deviceResponse{}
	}

	return deviceResponse{
		ID:           d.ID,
		PushToken:    d.PushToken,
		Platform:     d.Platform.String(),
		IsActive:     d.IsActive,
		LastActiveAt: d.LastActiveAt,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}
