// Package apperrors collects the sentinel errors used across the order
// management core, matching the error-kind vocabulary of §7.
package apperrors

import "errors"

// Standardized core errors
var (
	ErrNotFound               = errors.New("not found")
	ErrTransient              = errors.New("transient error, retry allowed")
	ErrFatal                  = errors.New("fatal error")
	ErrInvalidState           = errors.New("invalid order state for this operation")
	ErrInsufficientHoldings   = errors.New("insufficient holdings")
	ErrValidationFailed       = errors.New("order validation failed")
	ErrIdempotencyKeyConflict = errors.New("idempotency key maps to a different order")
)
