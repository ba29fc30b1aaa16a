package logic

import (
	"errors"
	"fmt"

	"github.com/patrickwarner/openadreserve/internal/models"
)

// ValidationError rejects a malformed request before any lock attempt. The
// caller can recover by correcting its input.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Reason
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ConflictError means a requested slot was not available at acquisition
// time. It names the offending date and priority so the client can re-query
// availability and resubmit; the engine never retries on its own.
type ConflictError struct {
	Date     string
	Priority int
	Reason   string
}

func (e *ConflictError) Error() string {
	if e.Date != "" {
		return fmt.Sprintf("slot no longer available: %s priority %d", e.Date, e.Priority)
	}
	return e.Reason
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsExpiry reports whether err is the expiry race: a lock the caller
// believed it held lapsed before the sale could complete.
func IsExpiry(err error) bool {
	return errors.Is(err, models.ErrLockExpired)
}
