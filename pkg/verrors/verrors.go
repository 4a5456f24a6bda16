// Package verrors defines the structured error taxonomy shared by the HTTP
// and RPC surfaces. Every error carries a machine code that maps onto an
// HTTP status and a gRPC status code.
package verrors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code identifies an error kind.
type Code string

const (
	CodeNotFound            Code = "not_found"
	CodeAlreadyExists       Code = "already_exists"
	CodeInvalidDimensions   Code = "invalid_dimensions"
	CodeInvalidFilter       Code = "invalid_filter"
	CodeInvalidSearchParams Code = "invalid_search_parameters"
	CodeValidation          Code = "validation"
	CodeUnauthenticated     Code = "unauthenticated"
	CodePermissionDenied    Code = "permission_denied"
	CodeRateLimitExceeded   Code = "rate_limit_exceeded"
	CodeStorage             Code = "storage_error"
	CodeBackup              Code = "backup_error"
	CodeIndexing            Code = "indexing_error"
	CodeTimeout             Code = "timeout"
	CodeUnimplemented       Code = "unimplemented"
	CodeUnavailable         Code = "service_unavailable"
	CodeInternal            Code = "internal"
)

// Error is the structured error type for vexdb.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Cause   error

	// RetryAfter carries the rate-limit backoff hint, in seconds.
	RetryAfter int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches errors by code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithDetail attaches a key-value detail and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates an Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error wrapping a cause. Returns nil if err is nil.
func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// NotFound builds a not-found error for a resource.
func NotFound(resource, id string) *Error {
	return New(CodeNotFound, "%s %q not found", resource, id).WithDetail("resource", resource).WithDetail("id", id)
}

// AlreadyExists builds a conflict error for a resource.
func AlreadyExists(resource, id string) *Error {
	return New(CodeAlreadyExists, "%s %q already exists", resource, id).WithDetail("resource", resource).WithDetail("id", id)
}

// InvalidDimensions builds a dimension-mismatch error.
func InvalidDimensions(want, got int) *Error {
	return New(CodeInvalidDimensions, "expected %d dimensions, got %d", want, got).
		WithDetail("expected", want).WithDetail("got", got)
}

// RateLimited builds a rate-limit error with a retry hint.
func RateLimited(retryAfter int) *Error {
	e := New(CodeRateLimitExceeded, "rate limit exceeded, retry after %ds", retryAfter)
	e.RetryAfter = retryAfter
	return e
}

// CodeOf extracts the Code from any error, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error code onto an HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodeInvalidDimensions, CodeInvalidFilter, CodeInvalidSearchParams:
		return http.StatusBadRequest
	case CodeValidation:
		return http.StatusUnprocessableEntity
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeUnimplemented:
		return http.StatusNotImplemented
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps an error code onto a gRPC status code.
func GRPCCode(code Code) codes.Code {
	switch code {
	case CodeNotFound:
		return codes.NotFound
	case CodeAlreadyExists:
		return codes.AlreadyExists
	case CodeInvalidDimensions, CodeInvalidFilter, CodeInvalidSearchParams, CodeValidation:
		return codes.InvalidArgument
	case CodeUnauthenticated:
		return codes.Unauthenticated
	case CodePermissionDenied:
		return codes.PermissionDenied
	case CodeRateLimitExceeded:
		return codes.ResourceExhausted
	case CodeTimeout:
		return codes.DeadlineExceeded
	case CodeUnimplemented:
		return codes.Unimplemented
	case CodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
