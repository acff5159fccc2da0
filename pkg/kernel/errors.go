// Package kernel defines the stable error codes shared by every kernel
// subsystem and surfaced verbatim over IPC.
package kernel

import (
	"errors"
	"fmt"
)

// Stable error codes. These are part of the external contract: ports and
// bridges match on the code string, never on the message.
const (
	CodeInvalidRequest     = "invalid_request"
	CodePermissionDenied   = "permission_denied"
	CodeGroupNotFound      = "group_not_found"
	CodeActorNotFound      = "actor_not_found"
	CodeActorNotRunning    = "actor_not_running"
	CodeEventNotFound      = "event_not_found"
	CodeMissingGroupID     = "missing_group_id"
	CodeMissingActorID     = "missing_actor_id"
	CodeMissingProjectRoot = "missing_project_root"
	CodeResourceError      = "resource_error"
	CodeUnknownOp          = "unknown_op"
)

// Error is a coded error. The code is stable; message and details are
// human-oriented and may change.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates a coded error.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured details and returns the error.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the stable code from an error chain. Unrecognized errors
// map to resource_error: by the time an error crosses the IPC boundary,
// anything uncoded is an internal failure, not a caller mistake.
func CodeOf(err error) string {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Code
	}
	return CodeResourceError
}

// AsError returns the coded error in the chain, or wraps err as a
// resource_error.
func AsError(err error) *Error {
	var ke *Error
	if errors.As(err, &ke) {
		return ke
	}
	return &Error{Code: CodeResourceError, Message: err.Error()}
}

// Is makes errors.Is match two coded errors by code.
func (e *Error) Is(target error) bool {
	var ke *Error
	if errors.As(target, &ke) {
		return ke.Code == e.Code
	}
	return false
}
