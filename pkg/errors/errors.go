package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error types
var (
	ErrNotFound     = errors.New("resource not found")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("bad request")
	ErrConflict     = errors.New("resource conflict")
	ErrInternal     = errors.New("internal server error")
	ErrValidation   = errors.New("validation error")
	ErrTimeout      = errors.New("operation timed out")
)

// AppError represents an application error with a stable wire code
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	StatusCode int               `json:"status_code"`
	Details    map[string]string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError
func New(code string, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code string, message string, statusCode int) *AppError {
	return &AppError{
		Err:        err,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// WithDetails adds details to an AppError
func (e *AppError) WithDetails(details map[string]string) *AppError {
	e.Details = details
	return e
}

// Code returns the wire code of err, or INTERNAL_ERROR for unknown errors.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "INTERNAL_ERROR"
}

// Common error constructors, one per stable wire code.

func Validation(details map[string]string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Code:       "VALIDATION_ERROR",
		Message:    "validation failed",
		StatusCode: http.StatusBadRequest,
		Details:    details,
	}
}

// ValidationMsg creates a VALIDATION_ERROR with a free-form message.
func ValidationMsg(message string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Code:       "VALIDATION_ERROR",
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func RecordNotFound(message string) *AppError {
	if message == "" {
		message = "record not found"
	}
	return &AppError{
		Err:        ErrNotFound,
		Code:       "RECORD_NOT_FOUND",
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

func ModelNotFound(model string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Code:       "MODEL_NOT_FOUND",
		Message:    fmt.Sprintf("model %q not found", model),
		StatusCode: http.StatusNotFound,
	}
}

func FieldNotFound(model, field string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Code:       "FIELD_NOT_FOUND",
		Message:    fmt.Sprintf("field %q not found on model %q", field, model),
		StatusCode: http.StatusNotFound,
	}
}

func SchemaNotFound(model string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Code:       "SCHEMA_NOT_FOUND",
		Message:    fmt.Sprintf("schema for model %q not found", model),
		StatusCode: http.StatusNotFound,
	}
}

func ColumnNotFound(column string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Code:       "COLUMN_NOT_FOUND",
		Message:    fmt.Sprintf("column %q does not exist", column),
		StatusCode: http.StatusBadRequest,
	}
}

func TenantExists(name string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Code:       "TENANT_EXISTS",
		Message:    fmt.Sprintf("tenant %q already exists", name),
		StatusCode: http.StatusConflict,
	}
}

func SystemModelProtected(model string) *AppError {
	return &AppError{
		Err:        ErrForbidden,
		Code:       "SYSTEM_MODEL_PROTECTED",
		Message:    fmt.Sprintf("model %q is a system model and cannot be modified", model),
		StatusCode: http.StatusForbidden,
	}
}

func TrashedRecord(id string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Code:       "TRASHED_RECORD",
		Message:    fmt.Sprintf("record %q is trashed and cannot be updated", id),
		StatusCode: http.StatusConflict,
	}
}

func DeletedRecord(id string) *AppError {
	message := "one or more records are permanently deleted"
	if id != "" {
		message = fmt.Sprintf("record %q is permanently deleted", id)
	}
	return &AppError{
		Err:        ErrConflict,
		Code:       "DELETED_RECORD",
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func AlreadyTrashed(message string) *AppError {
	if message == "" {
		message = "one or more records are already trashed"
	}
	return &AppError{
		Err:        ErrConflict,
		Code:       "ALREADY_TRASHED",
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func InvalidBody(message string) *AppError {
	if message == "" {
		message = "invalid request body"
	}
	return &AppError{
		Err:        ErrBadRequest,
		Code:       "INVALID_BODY",
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func Internal(message string) *AppError {
	return &AppError{
		Err:        ErrInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

func Timeout(message string) *AppError {
	if message == "" {
		message = "operation timed out"
	}
	return &AppError{
		Err:        ErrTimeout,
		Code:       "TIMEOUT",
		Message:    message,
		StatusCode: http.StatusGatewayTimeout,
	}
}

func Forbidden(message string) *AppError {
	return &AppError{
		Err:        ErrForbidden,
		Code:       "FORBIDDEN",
		Message:    message,
		StatusCode: http.StatusForbidden,
	}
}

func Unauthorized(message string) *AppError {
	if message == "" {
		message = "authentication required"
	}
	return &AppError{
		Err:        ErrUnauthorized,
		Code:       "UNAUTHORIZED",
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Code:       "CONFLICT",
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

// Is checks if the error matches a target error
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As attempts to convert an error to a specific type
func As(err error, target any) bool {
	return errors.As(err, target)
}
