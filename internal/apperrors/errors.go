// Package apperrors provides error code definitions for the sale pipeline.
package apperrors

import "fmt"

// ErrorCode identifies a class of failure surfaced to callers.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Local storage errors
	ErrStorage     ErrorCode = "STORAGE_ERROR"
	ErrStorageFull ErrorCode = "STORAGE_FULL"
	ErrMigration   ErrorCode = "MIGRATION_FAILED"

	// Remote store errors
	ErrRemote        ErrorCode = "REMOTE_ERROR"
	ErrRemoteTimeout ErrorCode = "REMOTE_TIMEOUT"
	ErrRemoteReject  ErrorCode = "REMOTE_REJECTED"

	// Sale pipeline errors
	ErrSaleNotCaptured ErrorCode = "SALE_NOT_CAPTURED"
	ErrSaleInvalid     ErrorCode = "SALE_INVALID"

	// Sync errors
	ErrSyncFailed   ErrorCode = "SYNC_FAILED"
	ErrSyncConflict ErrorCode = "SYNC_CONFLICT"
	ErrSyncBusy     ErrorCode = "SYNC_IN_PROGRESS"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error carries a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}
