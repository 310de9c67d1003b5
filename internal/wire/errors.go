package wire

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a failure reported by the reconciliation endpoint.
//
// Codes:
//   - TRANSIENT: offline, timeout, 5xx; retried by leaving the entry queued
//   - VALIDATION: malformed payload; surfaced once, never retried
//   - UNAUTHORIZED: missing or expired token; aborts the whole sync cycle
//   - FORBIDDEN: the record belongs to another user
//   - NOT_FOUND: the record does not exist
type Error struct {
	// Code identifies the error category.
	Code ErrorCode `json:"code"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Status is the HTTP status the error was carried in, or zero.
	Status int `json:"-"`
}

// ErrorCode categorizes protocol errors.
type ErrorCode string

const (
	CodeTransient    ErrorCode = "TRANSIENT"
	CodeValidation   ErrorCode = "VALIDATION"
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	CodeForbidden    ErrorCode = "FORBIDDEN"
	CodeNotFound     ErrorCode = "NOT_FOUND"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status=%d)", e.Code, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus returns the status code the server answers this error with.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}

// Errorf creates an Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FromStatus maps an HTTP status to the error taxonomy. Unknown 4xx codes
// are validation failures; 5xx and anything else are transient.
func FromStatus(status int, message string) *Error {
	code := CodeTransient
	switch {
	case status == http.StatusUnauthorized:
		code = CodeUnauthorized
	case status == http.StatusForbidden:
		code = CodeForbidden
	case status == http.StatusNotFound:
		code = CodeNotFound
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		code = CodeTransient
	case status >= 400 && status < 500:
		code = CodeValidation
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &Error{Code: code, Message: message, Status: status}
}

func codeOf(err error) (ErrorCode, bool) {
	var we *Error
	if errors.As(err, &we) {
		return we.Code, true
	}
	return "", false
}

// IsTransient reports whether err should be retried later. Any error that is
// not an *Error (dial failure, context deadline) is transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	code, ok := codeOf(err)
	return !ok || code == CodeTransient
}

// IsValidation reports a malformed-payload rejection.
// Uses errors.As to handle wrapped errors.
func IsValidation(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeValidation
}

// IsUnauthorized reports a missing or expired token.
func IsUnauthorized(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeUnauthorized
}

// IsForbidden reports an ownership violation.
func IsForbidden(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeForbidden
}

// IsNotFound reports a missing record.
func IsNotFound(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeNotFound
}

// IsPermanent reports an error that retrying the same payload cannot fix:
// validation, forbidden and not-found rejections.
func IsPermanent(err error) bool {
	return IsValidation(err) || IsForbidden(err) || IsNotFound(err)
}
