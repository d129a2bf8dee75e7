package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"courier/internal/domain"
	"courier/internal/repository"
)

type DeviceService struct {
	devices repository.DeviceRepository
	logger  *zap.Logger
	now     func() time.Time
}

func NewDeviceService(devices repository.DeviceRepository, logger *zap.Logger) (*DeviceService, error) {
	if devices == nil {
		return nil, fmt.Errorf("device repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeviceService{
		devices: devices,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Register stores a device, reusing the existing row when the push token is
// already known.
func (s *DeviceService) Register(ctx context.Context, pushToken string, platform string) (*domain.Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	parsedPlatform, err := domain.ParsePlatformFromString(platform)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	device := &domain.Device{
		ID:           uuid.NewString(),
		PushToken:    strings.TrimSpace(pushToken),
		Platform:     parsedPlatform,
		IsActive:     true,
		LastActiveAt: &now,
	}
	if err := device.Validate(); err != nil {
		return nil, err
	}

	if err := s.devices.Upsert(ctx, device); err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}

	s.logger.Info("device registered",
		zap.String("deviceId", device.ID),
		zap.String("platform", device.Platform.String()),
	)

	return device, nil
}

func (s *DeviceService) List(ctx context.Context, page int, pageSize int) ([]domain.Device, int64, error) {
	return s.devices.List(ctx, page, pageSize)
}
