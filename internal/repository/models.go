package repository

import (
	"time"

	"courier/internal/domain"
)

// NotificationModel is the persistence model for the notifications table.
type NotificationModel struct {
	ID             string            `gorm:"type:uuid;primaryKey"`
	Title          string            `gorm:"type:varchar(160);not null"`
	Body           string            `gorm:"type:text;not null"`
	Data           map[string]string `gorm:"type:jsonb;serializer:json"`
	ScheduledAt    time.Time         `gorm:"type:timestamptz;not null"`
	Status         domain.Status     `gorm:"type:varchar(20);not null"`
	Category       string            `gorm:"type:varchar(64)"`
	Priority       domain.Priority   `gorm:"type:varchar(10);not null"`
	TargetAudience string            `gorm:"type:varchar(64)"`
	Error          *string           `gorm:"type:text"`
	DeliveredAt    *time.Time        `gorm:"type:timestamptz"`
	CancelledAt    *time.Time        `gorm:"type:timestamptz"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (NotificationModel) TableName() string {
	return "notifications"
}

// DeviceModel is the persistence model for the devices table.
type DeviceModel struct {
	ID           string          `gorm:"type:uuid;primaryKey"`
	PushToken    string          `gorm:"type:varchar(512);not null;uniqueIndex"`
	Platform     domain.Platform `gorm:"type:varchar(10);not null"`
	IsActive     bool            `gorm:"not null;default:true"`
	LastActiveAt *time.Time      `gorm:"type:timestamptz"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (DeviceModel) TableName() string {
	return "devices"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID             string  `gorm:"type:uuid;primaryKey"`
	NotificationID string  `gorm:"type:uuid;not null;index"`
	DeviceID       string  `gorm:"type:uuid;not null"`
	AttemptNumber  int     `gorm:"not null"`
	StatusCode     *int    `gorm:"type:int"`
	Reason         *string `gorm:"type:text"`
	CreatedAt      time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

func notificationModelFromDomain(n *domain.Notification) *NotificationModel {
	if n == nil {
		return nil
	}

	return &NotificationModel{
		ID:             n.ID,
		Title:          n.Title,
		Body:           n.Body,
		Data:           n.Data,
		ScheduledAt:    n.ScheduledAt,
		Status:         n.Status,
		Category:       n.Category,
		Priority:       n.Priority,
		TargetAudience: n.TargetAudience,
		Error:          n.Error,
		DeliveredAt:    n.DeliveredAt,
		CancelledAt:    n.CancelledAt,
		CreatedAt:      n.CreatedAt,
		UpdatedAt:      n.UpdatedAt,
	}
}

func notificationModelToDomain(m *NotificationModel) *domain.Notification {
	if m == nil {
		return nil
	}

	return &domain.Notification{
		ID:             m.ID,
		Title:          m.Title,
		Body:           m.Body,
		Data:           m.Data,
		ScheduledAt:    m.ScheduledAt,
		Status:         m.Status,
		Category:       m.Category,
		Priority:       m.Priority,
		TargetAudience: m.TargetAudience,
		Error:          m.Error,
		DeliveredAt:    m.DeliveredAt,
		CancelledAt:    m.CancelledAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func deviceModelFromDomain(d *domain.Device) *DeviceModel {
	if d == nil {
		return nil
	}

	return &DeviceModel{
		ID:           d.ID,
		PushToken:    d.PushToken,
		Platform:     d.Platform,
		IsActive:     d.IsActive,
		LastActiveAt: d.LastActiveAt,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

func deviceModelToDomain(m *DeviceModel) *domain.Device {
	if m == nil {
		return nil
	}

	return &domain.Device{
		ID:           m.ID,
		PushToken:    m.PushToken,
		Platform:     m.Platform,
		IsActive:     m.IsActive,
		LastActiveAt: m.LastActiveAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:             a.ID,
		NotificationID: a.NotificationID,
		DeviceID:       a.DeviceID,
		AttemptNumber:  a.AttemptNumber,
		StatusCode:     a.StatusCode,
		Reason:         a.Reason,
		CreatedAt:      a.CreatedAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:             m.ID,
		NotificationID: m.NotificationID,
		DeviceID:       m.DeviceID,
		AttemptNumber:  m.AttemptNumber,
		StatusCode:     m.StatusCode,
		Reason:         m.Reason,
		CreatedAt:      m.CreatedAt,
	}
}
