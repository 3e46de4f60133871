// Package interfaces defines shared structures used across the gateway:
// the error taxonomy surfaced to clients and the mapping from upstream
// HTTP statuses onto it.
package interfaces

import (
	"fmt"
	"net/http"
)

// ErrorType names one class of gateway failure. The set is closed; every
// error surfaced to a client carries exactly one of these.
type ErrorType string

const (
	// ErrorTypeAuth rejects a bad client-supplied API key.
	ErrorTypeAuth ErrorType = "auth_error"
	// ErrorTypeCredentialExpired marks an upstream credential needing refresh.
	// Handled internally; surfaces only when the forced refresh also fails.
	ErrorTypeCredentialExpired ErrorType = "credential_expired"
	// ErrorTypePermissionDenied is an upstream 401/403 rejection.
	ErrorTypePermissionDenied ErrorType = "upstream_permission_denied"
	// ErrorTypeRateLimited is an upstream 429.
	ErrorTypeRateLimited ErrorType = "upstream_rate_limited"
	// ErrorTypeInvalidArgument is an upstream 4xx request rejection.
	ErrorTypeInvalidArgument ErrorType = "upstream_invalid_argument"
	// ErrorTypeUnavailable covers transient network failures and upstream 5xx.
	ErrorTypeUnavailable ErrorType = "upstream_unavailable"
	// ErrorTypePoolExhausted means no enabled account remains in the pool.
	ErrorTypePoolExhausted ErrorType = "pool_exhausted"
	// ErrorTypeImageStorage reports a failure persisting a generated image.
	ErrorTypeImageStorage ErrorType = "image_storage_failure"
	// ErrorTypeInvalidRequest rejects a malformed client request body.
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
)

// StatusError is an error with an HTTP status code and a taxonomy type.
type StatusError struct {
	Code    int
	Type    ErrorType
	Message string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (status %d)", e.Type, e.Code)
	}
	return fmt.Sprintf("%s (status %d): %s", e.Type, e.Code, e.Message)
}

// NewStatusError builds a StatusError.
func NewStatusError(code int, errType ErrorType, message string) *StatusError {
	return &StatusError{Code: code, Type: errType, Message: message}
}

// FromUpstreamStatus maps a non-2xx upstream HTTP status onto the taxonomy.
func FromUpstreamStatus(code int, body string) *StatusError {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &StatusError{Code: code, Type: ErrorTypePermissionDenied, Message: body}
	case code == http.StatusTooManyRequests:
		return &StatusError{Code: code, Type: ErrorTypeRateLimited, Message: body}
	case code >= http.StatusInternalServerError:
		return &StatusError{Code: code, Type: ErrorTypeUnavailable, Message: body}
	case code >= http.StatusBadRequest:
		return &StatusError{Code: code, Type: ErrorTypeInvalidArgument, Message: body}
	default:
		return &StatusError{Code: code, Type: ErrorTypeUnavailable, Message: body}
	}
}
