package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks input rejected before any mutation.
	ErrValidation = errors.New("validation failed")
	// ErrConflict marks lock contention, serialization failures and state races. Callers may retry the whole operation.
	ErrConflict = errors.New("conflict")
	// ErrNegativeStock indicates a movement would drive on-hand quantity below zero.
	ErrNegativeStock = errors.New("negative stock not allowed")
	// ErrExternal wraps failures reported by the external commerce system.
	ErrExternal = errors.New("external system failure")
)

// IsClientError reports whether err belongs to the caller-facing part of the taxonomy.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConflict) || errors.Is(err, ErrNegativeStock)
}
