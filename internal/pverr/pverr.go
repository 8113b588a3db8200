// Package pverr defines the structured error type shared by the engine,
// the HTTP transport and the CLI. Every failure surfaced by PatchVec
// carries a stable code from the taxonomy below; transports map the code
// to an HTTP status or process exit code without inspecting messages.
package pverr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable error code.
type Code string

const (
	CodeNotFound        Code = "not_found"
	CodeAlreadyExists   Code = "already_exists"
	CodeInvalidRequest  Code = "invalid_request"
	CodeInvalidFilter   Code = "invalid_filter"
	CodeUnsupportedMedia Code = "unsupported_media"
	CodeTooLarge        Code = "too_large"
	CodeUnauthorized    Code = "unauthorized"
	CodeForbidden       Code = "forbidden"
	CodeOverloaded      Code = "overloaded"
	CodeTimeout         Code = "timeout"
	CodeModelMismatch   Code = "model_mismatch"
	CodeLegacyMetadata  Code = "legacy_metadata"
	CodeUnavailable     Code = "unavailable"
	CodeInternal        Code = "internal"
)

// Error is the single structured error type raised by the engine.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// WithDetail attaches a detail field and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause records the underlying error without leaking it into the envelope.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// New creates an Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error      { return New(CodeNotFound, format, args...) }
func AlreadyExists(format string, args ...any) *Error { return New(CodeAlreadyExists, format, args...) }
func InvalidRequest(format string, args ...any) *Error {
	return New(CodeInvalidRequest, format, args...)
}
func InvalidFilter(format string, args ...any) *Error { return New(CodeInvalidFilter, format, args...) }
func UnsupportedMedia(format string, args ...any) *Error {
	return New(CodeUnsupportedMedia, format, args...)
}
func TooLarge(format string, args ...any) *Error      { return New(CodeTooLarge, format, args...) }
func Unauthorized(format string, args ...any) *Error  { return New(CodeUnauthorized, format, args...) }
func Forbidden(format string, args ...any) *Error     { return New(CodeForbidden, format, args...) }
func Overloaded(format string, args ...any) *Error    { return New(CodeOverloaded, format, args...) }
func Timeout(format string, args ...any) *Error       { return New(CodeTimeout, format, args...) }
func ModelMismatch(format string, args ...any) *Error { return New(CodeModelMismatch, format, args...) }
func LegacyMetadata(format string, args ...any) *Error {
	return New(CodeLegacyMetadata, format, args...)
}
func Unavailable(format string, args ...any) *Error { return New(CodeUnavailable, format, args...) }

// Internal wraps an uncategorised failure. The cause is retained for logs
// but the envelope message stays generic.
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", cause: err}
}

// From normalises any error into an *Error. Structured errors pass through;
// anything else becomes CodeInternal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return Internal(err)
}

// httpStatus maps codes to HTTP status codes.
var httpStatus = map[Code]int{
	CodeNotFound:         http.StatusNotFound,
	CodeAlreadyExists:    http.StatusConflict,
	CodeInvalidRequest:   http.StatusBadRequest,
	CodeInvalidFilter:    http.StatusBadRequest,
	CodeUnsupportedMedia: http.StatusUnsupportedMediaType,
	CodeTooLarge:         http.StatusRequestEntityTooLarge,
	CodeUnauthorized:     http.StatusUnauthorized,
	CodeForbidden:        http.StatusForbidden,
	CodeOverloaded:       http.StatusServiceUnavailable,
	CodeTimeout:          http.StatusGatewayTimeout,
	CodeModelMismatch:    http.StatusConflict,
	CodeLegacyMetadata:   http.StatusConflict,
	CodeUnavailable:      http.StatusServiceUnavailable,
	CodeInternal:         http.StatusInternalServerError,
}

// HTTPStatus returns the HTTP status for this error's code.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// exitCode maps codes to CLI exit codes.
var exitCode = map[Code]int{
	CodeNotFound:         3,
	CodeInvalidRequest:   4,
	CodeInvalidFilter:    4,
	CodeUnsupportedMedia: 4,
	CodeTooLarge:         4,
	CodeUnauthorized:     5,
	CodeForbidden:        5,
	CodeOverloaded:       6,
}

// ExitCode returns the process exit code for this error's code.
// Uncategorised failures exit 1.
func (e *Error) ExitCode() int {
	if c, ok := exitCode[e.Code]; ok {
		return c
	}
	return 1
}
