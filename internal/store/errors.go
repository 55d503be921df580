package store

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates malformed input; no mutation was attempted.
	ErrValidation = errors.New("store: validation failed")
	// ErrNotFound indicates that the addressed row does not exist or is tombstoned.
	ErrNotFound = errors.New("store: not found")
	// ErrForbidden indicates that the acting user does not own the addressed row.
	ErrForbidden = errors.New("store: forbidden")
	// ErrPendingChanges indicates that a route tree still holds unsynced local rows.
	ErrPendingChanges = errors.New("store: route has pending local changes")
	// ErrMissingDatabase indicates that a service was used without a database handle.
	ErrMissingDatabase = errors.New("database handle is required")
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

// NewServiceError builds a ServiceError for the operation and reason.
func NewServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ErrorCode extracts the ServiceError code from err, or returns an empty string.
func ErrorCode(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
