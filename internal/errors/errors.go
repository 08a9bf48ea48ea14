// Package errors defines the service error taxonomy and its HTTP status mapping.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a class of service error.
type ErrorCode string

const (
	CodeInvalidHeader ErrorCode = "INVALID_HEADER"
	CodeInvalidToken  ErrorCode = "INVALID_TOKEN"
	CodeUnauthorized  ErrorCode = "UNAUTHORIZED"
	CodeBadRequest    ErrorCode = "BAD_REQUEST"
	CodeRateLimited   ErrorCode = "RATE_LIMITED"
	CodeInternal      ErrorCode = "INTERNAL"
)

// ServiceError is an error carrying a code, a client-safe message and an HTTP status.
type ServiceError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

// Sentinels for errors.Is matching. Comparison is by code.
var (
	ErrInvalidHeader = &ServiceError{Code: CodeInvalidHeader, Message: "Invalid authorization header", HTTPStatus: http.StatusUnauthorized}
	ErrInvalidToken  = &ServiceError{Code: CodeInvalidToken, Message: "Invalid JWT", HTTPStatus: http.StatusUnauthorized}
)

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a ServiceError with the same code.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails returns a copy of the error with an extra detail attached.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value

	cp := *e
	cp.Details = details
	return &cp
}

// IsAuthError reports whether err is one of the authentication error kinds.
func IsAuthError(err error) bool {
	se := GetServiceError(err)
	if se == nil {
		return false
	}
	switch se.Code {
	case CodeInvalidHeader, CodeInvalidToken, CodeUnauthorized:
		return true
	}
	return false
}

// GetServiceError extracts a ServiceError from err's chain, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// InvalidHeader reports a missing or malformed authorization header.
func InvalidHeader() *ServiceError {
	return &ServiceError{
		Code:       CodeInvalidHeader,
		Message:    ErrInvalidHeader.Message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// InvalidToken reports a bearer token that failed verification. cause is kept for
// diagnostics only and never reaches the response body.
func InvalidToken(cause error) *ServiceError {
	return &ServiceError{
		Code:       CodeInvalidToken,
		Message:    ErrInvalidToken.Message,
		HTTPStatus: http.StatusUnauthorized,
		Err:        cause,
	}
}

func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "unauthorized"
	}
	return &ServiceError{
		Code:       CodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

func BadRequest(message string) *ServiceError {
	return &ServiceError{
		Code:       CodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// RateLimitExceeded reports a caller over its request budget.
func RateLimitExceeded(limit float64, window string) *ServiceError {
	return &ServiceError{
		Code:       CodeRateLimited,
		Message:    "rate limit exceeded",
		HTTPStatus: http.StatusTooManyRequests,
		Details: map[string]interface{}{
			"limit":  limit,
			"window": window,
		},
	}
}

func Internal(message string, cause error) *ServiceError {
	return &ServiceError{
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        cause,
	}
}
