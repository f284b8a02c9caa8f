package speech

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures surfaced to speech clients.
type ErrorCode string

const (
	CodeNoProviders              ErrorCode = "NO_PROVIDERS"
	CodeProviderUnexpectedlyDied ErrorCode = "PROVIDER_UNEXPECTEDLY_DIED"
	CodeMisconfiguredVoice       ErrorCode = "MISCONFIGURED_VOICE"
	CodeInternalProviderFailure  ErrorCode = "INTERNAL_PROVIDER_FAILURE"
	CodeCancelled                ErrorCode = "CANCELLED"
)

// Error carries a code, a human readable message and an optional cause.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code, so the sentinels below work
// with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrNoProviders              = &Error{Code: CodeNoProviders, Message: "no providers available"}
	ErrProviderUnexpectedlyDied = &Error{Code: CodeProviderUnexpectedlyDied, Message: "provider unexpectedly died"}
	ErrMisconfiguredVoice       = &Error{Code: CodeMisconfiguredVoice, Message: "voice is misconfigured"}
	ErrInternalProviderFailure  = &Error{Code: CodeInternalProviderFailure, Message: "internal provider failure"}
	ErrCancelled                = &Error{Code: CodeCancelled, Message: "operation cancelled"}
)

func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// CodeOf extracts the code from err, or "" when err is not a speech error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
