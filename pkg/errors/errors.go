package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the client failure taxonomy.
var (
	ErrAuthRequired = errors.New("authentication required")
	ErrTokenExpired = errors.New("session token expired")
	ErrNetwork      = errors.New("network error")
	ErrServer       = errors.New("server error")
	ErrValidation   = errors.New("validation error")
	ErrCorruptState = errors.New("corrupt local state")
	ErrInvalidState = errors.New("invalid login state")
	ErrNotFound     = errors.New("resource not found")
)

// AppError represents a structured failure with its wire code and HTTP status.
// Status is zero when no HTTP response was received.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// kindError joins a taxonomy sentinel with the underlying cause so that
// errors.Is matches both.
type kindError struct {
	kind  error
	cause error
}

func (k *kindError) Error() string {
	return k.cause.Error()
}

func (k *kindError) Unwrap() []error {
	return []error{k.kind, k.cause}
}

func withKind(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return &kindError{kind: kind, cause: cause}
}

// AuthRequired creates a 401 error for a missing or rejected session.
func AuthRequired(message string) *AppError {
	return &AppError{
		Code:    "AUTH_REQUIRED",
		Message: message,
		Status:  http.StatusUnauthorized,
		Err:     ErrAuthRequired,
	}
}

// TokenExpired creates an error for a refresh that could not renew the session.
func TokenExpired(cause error) *AppError {
	return &AppError{
		Code:    "TOKEN_EXPIRED",
		Message: "session could not be refreshed",
		Status:  http.StatusUnauthorized,
		Err:     withKind(ErrTokenExpired, cause),
	}
}

// Network creates an error for a request that produced no HTTP response.
func Network(cause error) *AppError {
	return &AppError{
		Code:    "NETWORK_ERROR",
		Message: "request did not complete",
		Err:     withKind(ErrNetwork, cause),
	}
}

// Server creates an error for a 5xx response or an unusable success response.
func Server(status int, code, message string) *AppError {
	if code == "" {
		code = "SERVER_ERROR"
	}
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     ErrServer,
	}
}

// Validation creates an error for a 4xx response other than 401.
func Validation(status int, code, message string) *AppError {
	if code == "" {
		code = "VALIDATION_ERROR"
	}
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     ErrValidation,
	}
}

// CorruptState creates an error describing an unreadable local record.
func CorruptState(key string, cause error) *AppError {
	return &AppError{
		Code:    "CORRUPT_LOCAL_STATE",
		Message: fmt.Sprintf("stored record %q is unreadable", key),
		Err:     withKind(ErrCorruptState, cause),
	}
}

// InvalidState creates an error for an OAuth state mismatch.
func InvalidState(message string) *AppError {
	return &AppError{
		Code:    "INVALID_STATE",
		Message: message,
		Status:  http.StatusBadRequest,
		Err:     ErrInvalidState,
	}
}

// NotFound creates a 404 error.
func NotFound(resource string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s not found", resource),
		Status:  http.StatusNotFound,
		Err:     ErrNotFound,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	return fmt.Errorf("%s: %w", message, err)
}

// Retryable reports whether a delivery failure is transient. Network and
// server failures are retryable, as is a canceled or expired context.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrServer):
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

// IsAuthFailure reports whether err means the user must sign in again.
// Such failures say nothing about the request itself.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthRequired) || errors.Is(err, ErrTokenExpired)
}

// Code returns the wire code carried by err, or INTERNAL_ERROR.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "INTERNAL_ERROR"
}

// HTTPStatus returns the HTTP status code for the given error.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Status != 0 {
		return appErr.Status
	}

	switch {
	case errors.Is(err, ErrAuthRequired), errors.Is(err, ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidState):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNetwork):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
