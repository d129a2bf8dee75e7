package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"courier/internal/domain"
)

type ListParams struct {
	Status   *domain.Status
	Category *string
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// DeleteFilter selects notifications for bulk deletion. Fields combine with
// AND; an empty filter matches nothing.
type DeleteFilter struct {
	IDs       []string
	Status    *domain.Status
	OlderThan *time.Time
}

func (f DeleteFilter) IsEmpty() bool {
	return len(f.IDs) == 0 && f.Status == nil && f.OlderThan == nil
}

type StatusCount struct {
	Status domain.Status `gorm:"column:status"`
	Count  int64         `gorm:"column:count"`
}

type NotificationRepository interface {
	Create(ctx context.Context, n *domain.Notification) error
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error)
	CountByStatus(ctx context.Context) ([]StatusCount, error)
	MarkSent(ctx context.Context, id string, deliveredAt time.Time) error
	MarkFailed(ctx context.Context, id string, reason string) error
	MarkCancelled(ctx context.Context, id string, cancelledAt time.Time) error
	FindForDeletion(ctx context.Context, filter DeleteFilter) ([]domain.Notification, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

type GormNotificationRepo struct {
	db *gorm.DB
}

func NewGormNotificationRepo(db *gorm.DB) *GormNotificationRepo {
	return &GormNotificationRepo{db: db}
}

func (r *GormNotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	model := notificationModelFromDomain(n)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if n != nil {
		*n = *notificationModelToDomain(model)
	}
	return nil
}

func (r *GormNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	var model NotificationModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return notificationModelToDomain(&model), nil
}

func (r *GormNotificationRepo) List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error) {
	query := r.db.WithContext(ctx).Model(&NotificationModel{})

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Category != nil {
		query = query.Where("category = ?", *params.Category)
	}
	if params.From != nil {
		query = query.Where("scheduled_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("scheduled_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []NotificationModel
	err := query.
		Order("scheduled_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	notifications := make([]domain.Notification, 0, len(models))
	for i := range models {
		notifications = append(notifications, *notificationModelToDomain(&models[i]))
	}

	return notifications, total, nil
}

func (r *GormNotificationRepo) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	var counts []StatusCount
	err := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// MarkSent transitions SCHEDULED -> SENT. The status guard in the WHERE
// clause makes the first terminal write win; a later writer gets ErrConflict.
func (r *GormNotificationRepo) MarkSent(ctx context.Context, id string, deliveredAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", id, domain.StatusScheduled).
		Updates(map[string]any{
			"status":       domain.StatusSent,
			"delivered_at": deliveredAt,
			"error":        nil,
		})
	return r.guardedUpdateResult(ctx, result, id)
}

func (r *GormNotificationRepo) MarkFailed(ctx context.Context, id string, reason string) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", id, domain.StatusScheduled).
		Updates(map[string]any{
			"status": domain.StatusFailed,
			"error":  reason,
		})
	return r.guardedUpdateResult(ctx, result, id)
}

func (r *GormNotificationRepo) MarkCancelled(ctx context.Context, id string, cancelledAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", id, domain.StatusScheduled).
		Updates(map[string]any{
			"status":       domain.StatusCancelled,
			"cancelled_at": cancelledAt,
		})
	return r.guardedUpdateResult(ctx, result, id)
}

func (r *GormNotificationRepo) FindForDeletion(ctx context.Context, filter DeleteFilter) ([]domain.Notification, error) {
	if filter.IsEmpty() {
		return nil, nil
	}

	query := r.db.WithContext(ctx).Model(&NotificationModel{})
	if len(filter.IDs) > 0 {
		query = query.Where("id IN ?", filter.IDs)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.OlderThan != nil {
		query = query.Where("created_at < ?", *filter.OlderThan)
	}

	var models []NotificationModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}

	notifications := make([]domain.Notification, 0, len(models))
	for i := range models {
		notifications = append(notifications, *notificationModelToDomain(&models[i]))
	}
	return notifications, nil
}

func (r *GormNotificationRepo) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	result := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Delete(&NotificationModel{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// guardedUpdateResult maps a zero-row guarded update to ErrNotFound for a
// missing record and ErrConflict for a record no longer in SCHEDULED state.
func (r *GormNotificationRepo) guardedUpdateResult(ctx context.Context, result *gorm.DB, id string) error {
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ?", id).
		Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return domain.ErrNotFound
	}
	return domain.ErrConflict
}
