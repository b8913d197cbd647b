// Package nerverr defines the error taxonomy returned across node, graph,
// workflow and engine boundaries. Handlers convert these into wire-level
// CommandResult.error strings; Kind is carried separately so callers that
// care (tests, the engine) can branch on it without parsing text.
package nerverr

import (
	"errors"
	"fmt"
)

// Kind tags an error with the taxonomy from the wire protocol's error
// handling design. It is advisory: callers should still treat Error as
// a normal Go error via errors.As.
type Kind string

const (
	InvalidName      Kind = "InvalidName"
	DuplicateId      Kind = "DuplicateId"
	NotFound         Kind = "NotFound"
	InvalidParams    Kind = "InvalidParams"
	NodeBusy         Kind = "NodeBusy"
	NodeStopped      Kind = "NodeStopped"
	NodeError        Kind = "NodeError"
	Timeout          Kind = "Timeout"
	Cancelled        Kind = "Cancelled"
	GraphValidation  Kind = "GraphValidation"
	UpstreamError    Kind = "UpstreamError"
	ProxyStartError  Kind = "ProxyStartError"
	ProxyHealthError Kind = "ProxyHealthError"
	HistoryError     Kind = "HistoryError"
)

// Error is a taxonomy-tagged error.
type Error struct {
	Kind    Kind
	Message string
	Status  int // only meaningful for UpstreamError
	Cause   error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Kind, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a tagged error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an existing error with a kind, preserving it for errors.Unwrap.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithStatus builds an UpstreamError carrying an HTTP status code.
func WithStatus(status int, format string, args ...any) *Error {
	return &Error{Kind: UpstreamError, Message: fmt.Sprintf(format, args...), Status: status}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
