package queue

import (
	"fmt"
	"time"
)

// Job is one planned push delivery to one device. Key is deterministic per
// (notification, device) pair so re-planning the same notification never
// duplicates work.
type Job struct {
	Key            string            `json:"key"`
	NotificationID string            `json:"notificationId"`
	DeviceID       string            `json:"deviceId"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	Data           map[string]string `json:"data,omitempty"`
	Delay          time.Duration     `json:"-"`
	Attempt        int               `json:"attempt"`
	Retry          RetryPolicy       `json:"retry"`
}

func (j Job) Validate() error {
	if j.Key == "" {
		return fmt.Errorf("job key is required")
	}
	if j.NotificationID == "" {
		return fmt.Errorf("job notification id is required")
	}
	if j.DeviceID == "" {
		return fmt.Errorf("job device id is required")
	}
	if j.Delay < 0 {
		return fmt.Errorf("job delay must not be negative")
	}
	return nil
}
