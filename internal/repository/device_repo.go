package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"courier/internal/domain"
)

type DeviceRepository interface {
	Upsert(ctx context.Context, d *domain.Device) error
	GetByID(ctx context.Context, id string) (*domain.Device, error)
	GetByIDs(ctx context.Context, ids []string) ([]domain.Device, error)
	ListActive(ctx context.Context) ([]domain.Device, error)
	ListIDs(ctx context.Context) ([]string, error)
	List(ctx context.Context, page int, pageSize int) ([]domain.Device, int64, error)
	TouchLastActive(ctx context.Context, id string, at time.Time) error
}

type GormDeviceRepo struct {
	db *gorm.DB
}

func NewGormDeviceRepo(db *gorm.DB) *GormDeviceRepo {
	return &GormDeviceRepo{db: db}
}

// Upsert registers a device. Re-registering an existing push token refreshes
// its platform and reactivates it instead of creating a duplicate row.
func (r *GormDeviceRepo) Upsert(ctx context.Context, d *domain.Device) error {
	model := deviceModelFromDomain(d)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "push_token"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"platform", "is_active", "last_active_at", "updated_at",
			}),
		}).
		Create(model).Error
	if err != nil {
		return err
	}

	// The conflict path keeps the original row id; read it back by token.
	var stored DeviceModel
	if err := r.db.WithContext(ctx).
		Where("push_token = ?", model.PushToken).
		First(&stored).Error; err != nil {
		return err
	}

	if d != nil {
		*d = *deviceModelToDomain(&stored)
	}
	return nil
}

func (r *GormDeviceRepo) GetByID(ctx context.Context, id string) (*domain.Device, error) {
	var model DeviceModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return deviceModelToDomain(&model), nil
}

func (r *GormDeviceRepo) GetByIDs(ctx context.Context, ids []string) ([]domain.Device, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var models []DeviceModel
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, err
	}
	return devicesToDomain(models), nil
}

func (r *GormDeviceRepo) ListActive(ctx context.Context) ([]domain.Device, error) {
	var models []DeviceModel
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return devicesToDomain(models), nil
}

// ListIDs returns every device id, active or not. Cancellation uses it to
// reconstruct job keys for devices deactivated after planning.
func (r *GormDeviceRepo) ListIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&DeviceModel{}).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *GormDeviceRepo) List(ctx context.Context, page int, pageSize int) ([]domain.Device, int64, error) {
	query := r.db.WithContext(ctx).Model(&DeviceModel{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page = max(page, 1)
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []DeviceModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	return devicesToDomain(models), total, nil
}

func (r *GormDeviceRepo) TouchLastActive(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&DeviceModel{}).
		Where("id = ?", id).
		Update("last_active_at", at).Error
}

func devicesToDomain(models []DeviceModel) []domain.Device {
	devices := make([]domain.Device, 0, len(models))
	for i := range models {
		devices = append(devices, *deviceModelToDomain(&models[i]))
	}
	return devices
}
