package domain

import "time"

// DeliveryAttempt records a single gateway delivery attempt for one
// (notification, device) pair. The stored notification status is
// record-level, so attempts are where per-device outcomes remain visible.
type DeliveryAttempt struct {
	ID             string
	NotificationID string
	DeviceID       string
	AttemptNumber  int
	StatusCode     *int
	Reason         *string
	CreatedAt      time.Time
}
