package domain

import "errors"

var (
	// ErrValidation marks user-fixable input errors; surfaced verbatim.
	ErrValidation = errors.New("validation error")
	// ErrScheduling marks a delivery time outside the acceptable window.
	ErrScheduling = errors.New("scheduling error")
	ErrNotFound   = errors.New("not found")
	// ErrConflict marks an operation that is inconsistent with the record's
	// current lifecycle state, e.g. cancelling an already-sent notification.
	ErrConflict = errors.New("conflict")
)
