package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status mapping.
var (
	ErrNotFound            = errors.New("resource not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrValidation          = errors.New("validation failed")
	ErrInvalidState        = errors.New("invalid state")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrRateLimited         = errors.New("rate limited")
)

// Error codes rendered in the response envelope.
const (
	CodeNotFound            = "NOT_FOUND"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeValidation          = "VALIDATION_ERROR"
	CodeInvalidState        = "INVALID_STATE"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeRateLimited         = "RATE_LIMITED"
	CodeInternal            = "INTERNAL_ERROR"
)

// AppError is an error that knows how to render itself over HTTP.
type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	StatusCode int            `json:"-"`
	Err        error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches another AppError by code, otherwise defers to the wrapped error.
func (e *AppError) Is(target error) bool {
	if t, ok := target.(*AppError); ok {
		return e.Code == t.Code
	}
	return errors.Is(e.Err, target)
}

// WithDetails attaches details to the error.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the body of ErrorResponse.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ToResponse converts an AppError to ErrorResponse.
func (e *AppError) ToResponse() ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Code: e.Code, Message: e.Message, Details: e.Details}}
}

func newError(code string, status int, message, fallback string, err error) *AppError {
	if message == "" {
		message = fallback
	}
	return &AppError{Code: code, Message: message, StatusCode: status, Err: err}
}

// NotFound creates a not found error for resource.
func NotFound(resource string) *AppError {
	return newError(CodeNotFound, http.StatusNotFound, resource+" not found", "", ErrNotFound)
}

func Unauthorized(message string) *AppError {
	return newError(CodeUnauthorized, http.StatusUnauthorized, message, "authentication required", ErrUnauthorized)
}

func Validation(message string) *AppError {
	return newError(CodeValidation, http.StatusUnprocessableEntity, message, "invalid request", ErrValidation)
}

// InvalidState reports an operation the resource's current state forbids.
func InvalidState(message string) *AppError {
	return newError(CodeInvalidState, http.StatusConflict, message, "invalid state", ErrInvalidState)
}

func InsufficientCredits(message string) *AppError {
	return newError(CodeInsufficientCredits, http.StatusPaymentRequired, message, "not enough credits", ErrInsufficientCredits)
}

func RateLimited(message string) *AppError {
	return newError(CodeRateLimited, http.StatusTooManyRequests, message, "too many requests", ErrRateLimited)
}

// Internal creates an internal error. The wrapped error is never rendered.
func Internal(message string, err error) *AppError {
	return newError(CodeInternal, http.StatusInternalServerError, message, "internal server error", err)
}

// From maps err onto an AppError. AppErrors pass through, wrapped sentinels
// get their matching code and anything else is internal.
func From(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return newError(CodeNotFound, http.StatusNotFound, err.Error(), "", err)
	case errors.Is(err, ErrUnauthorized):
		return Unauthorized(err.Error())
	case errors.Is(err, ErrValidation):
		return Validation(err.Error())
	case errors.Is(err, ErrInvalidState):
		return InvalidState(err.Error())
	case errors.Is(err, ErrInsufficientCredits):
		return InsufficientCredits("")
	case errors.Is(err, ErrRateLimited):
		return RateLimited("")
	default:
		return Internal("", err)
	}
}
