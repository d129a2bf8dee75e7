package domain

import (
	"fmt"
	"strings"
	"time"
)

// Platform represents the device platform a push token belongs to.
type Platform string

const (
	PlatformIOS     Platform = "IOS"
	PlatformAndroid Platform = "ANDROID"
	PlatformWeb     Platform = "WEB"
)

func (p Platform) String() string { return string(p) }

func (p Platform) IsValid() bool {
	switch p {
	case PlatformIOS, PlatformAndroid, PlatformWeb:
		return true
	}
	return false
}

func ParsePlatformFromString(s string) (Platform, error) {
	pl := Platform(strings.ToUpper(strings.TrimSpace(s)))
	if !pl.IsValid() {
		return "", fmt.Errorf("%w: invalid platform %q", ErrValidation, s)
	}
	return pl, nil
}

// Device identifies one deliverable push endpoint. The delivery pipeline
// reads devices and only ever writes LastActiveAt.
type Device struct {
	ID           string
	PushToken    string
	Platform     Platform
	IsActive     bool
	LastActiveAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (d *Device) Validate() error {
	if strings.TrimSpace(d.PushToken) == "" {
		return fmt.Errorf("%w: push token is required", ErrValidation)
	}
	if !d.Platform.IsValid() {
		return fmt.Errorf("%w: invalid platform %q", ErrValidation, d.Platform)
	}
	return nil
}
