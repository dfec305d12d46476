package conversion

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a conversion failure
type ErrorCode string

const (
	CodeValidation             ErrorCode = "VALIDATION"
	CodePoolExhausted          ErrorCode = "POOL_EXHAUSTED"
	CodeRenderTimeout          ErrorCode = "RENDER_TIMEOUT"
	CodeNavigationFailed       ErrorCode = "NAVIGATION_FAILED"
	CodeOutputTooLarge         ErrorCode = "OUTPUT_TOO_LARGE"
	CodeInputTooLarge          ErrorCode = "INPUT_TOO_LARGE"
	CodeRenderFailed           ErrorCode = "RENDER_FAILED"
	CodeBrowserDisconnected    ErrorCode = "BROWSER_DISCONNECTED"
	CodeStorageFailed          ErrorCode = "STORAGE_FAILED"
	CodeCallbackUnreachable    ErrorCode = "CALLBACK_UNREACHABLE"
	CodeCallbackTimeout        ErrorCode = "CALLBACK_TIMEOUT"
	CodeCallbackBadStatus      ErrorCode = "CALLBACK_BAD_STATUS"
	CodeArtifactExpired        ErrorCode = "ARTIFACT_EXPIRED"
	CodeArtifactNotFound       ErrorCode = "ARTIFACT_NOT_FOUND"
	CodeJobNotFound            ErrorCode = "JOB_NOT_FOUND"
	CodeJobExists              ErrorCode = "JOB_EXISTS"
	CodeInvalidState           ErrorCode = "INVALID_STATE"
	CodeCapabilityNotSupported ErrorCode = "CAPABILITY_NOT_SUPPORTED"
)

// Error is the typed error carried across the conversion pipeline.
// Two errors match under errors.Is when their codes are equal.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// NewError creates a new conversion error
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinels for errors.Is matching.
var (
	ErrValidation             = NewError(CodeValidation, "invalid input", nil)
	ErrPoolExhausted          = NewError(CodePoolExhausted, "no renderer available", nil)
	ErrRenderTimeout          = NewError(CodeRenderTimeout, "render timed out", nil)
	ErrNavigationFailed       = NewError(CodeNavigationFailed, "navigation failed", nil)
	ErrOutputTooLarge         = NewError(CodeOutputTooLarge, "rendered output exceeds limit", nil)
	ErrInputTooLarge          = NewError(CodeInputTooLarge, "input exceeds limit", nil)
	ErrRenderFailed           = NewError(CodeRenderFailed, "render failed", nil)
	ErrBrowserDisconnected    = NewError(CodeBrowserDisconnected, "renderer instance went away mid-render", nil)
	ErrStorageFailed          = NewError(CodeStorageFailed, "storage operation failed", nil)
	ErrCallbackUnreachable    = NewError(CodeCallbackUnreachable, "callback unreachable", nil)
	ErrCallbackTimeout        = NewError(CodeCallbackTimeout, "callback timed out", nil)
	ErrCallbackBadStatus      = NewError(CodeCallbackBadStatus, "callback returned non-2xx status", nil)
	ErrArtifactExpired        = NewError(CodeArtifactExpired, "artifact expired", nil)
	ErrArtifactNotFound       = NewError(CodeArtifactNotFound, "artifact not found", nil)
	ErrJobNotFound            = NewError(CodeJobNotFound, "job not found", nil)
	ErrJobExists              = NewError(CodeJobExists, "job already exists", nil)
	ErrInvalidState           = NewError(CodeInvalidState, "operation not allowed in current state", nil)
	ErrCapabilityNotSupported = NewError(CodeCapabilityNotSupported, "capability not supported", nil)
)

// InputTooLargeError reports an inline input rejected before rendering
type InputTooLargeError struct {
	Limit  int
	Actual int
}

func (e *InputTooLargeError) Error() string {
	return fmt.Sprintf("%s: input is %d bytes, limit is %d bytes", CodeInputTooLarge, e.Actual, e.Limit)
}

// Is matches ErrInputTooLarge
func (e *InputTooLargeError) Is(target error) bool {
	return ErrInputTooLarge.Is(target)
}

// CapabilityError reports an operation the active storage driver cannot perform
type CapabilityError struct {
	Driver     DriverType
	Capability Capability
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s: storage driver %q does not support %s", CodeCapabilityNotSupported, e.Driver, e.Capability)
}

// Is matches ErrCapabilityNotSupported
func (e *CapabilityError) Is(target error) bool {
	return ErrCapabilityNotSupported.Is(target)
}

// CallbackStatusError reports a callback endpoint answering with a non-2xx status
type CallbackStatusError struct {
	URL        string
	StatusCode int
}

func (e *CallbackStatusError) Error() string {
	return fmt.Sprintf("%s: %s responded with status %d", CodeCallbackBadStatus, e.URL, e.StatusCode)
}

// Is matches ErrCallbackBadStatus
func (e *CallbackStatusError) Is(target error) bool {
	return ErrCallbackBadStatus.Is(target)
}

// CodeOf returns the error code carried by err, or "" for foreign errors
func CodeOf(err error) ErrorCode {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	for _, sentinel := range []*Error{ErrInputTooLarge, ErrCapabilityNotSupported, ErrCallbackBadStatus} {
		if errors.Is(err, sentinel) {
			return sentinel.Code
		}
	}
	return ""
}

// IsRetryable reports whether a render failure may succeed on a later attempt.
// Output size, validation and storage failures reproduce deterministically.
// A lost instance is replaced by the pool, so the next attempt gets a fresh one.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodePoolExhausted, CodeRenderTimeout, CodeNavigationFailed, CodeBrowserDisconnected:
		return true
	}
	return false
}
