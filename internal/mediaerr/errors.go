// Package mediaerr defines the severity/category/code error taxonomy shared
// by every component of the streaming core, and the helpers used to
// propagate, wrap, and classify failures consistently across packages.
package mediaerr

import (
	"errors"
	"fmt"
)

// Severity distinguishes errors the engine can absorb from ones that halt
// a track or the whole session.
type Severity int

const (
	Recoverable Severity = iota
	Critical
)

func (s Severity) String() string {
	if s == Critical {
		return "CRITICAL"
	}
	return "RECOVERABLE"
}

// Category groups codes by the subsystem that originated them.
type Category int

const (
	Network Category = iota
	Media
	Player
	Manifest
)

func (c Category) String() string {
	switch c {
	case Network:
		return "NETWORK"
	case Media:
		return "MEDIA"
	case Player:
		return "PLAYER"
	case Manifest:
		return "MANIFEST"
	default:
		return "UNKNOWN"
	}
}

// Code identifies a specific failure condition. Codes are stable and safe
// to match on through an Error's Code field (AsTyped, IsAborted,
// IsQuotaExceeded).
type Code int

const (
	BadHTTPStatus Code = iota
	HTTPError
	Timeout
	SegmentMissing
	OperationAborted
	QuotaExceeded
	MediaSourceOperationFailed
)

func (c Code) String() string {
	switch c {
	case BadHTTPStatus:
		return "BAD_HTTP_STATUS"
	case HTTPError:
		return "HTTP_ERROR"
	case Timeout:
		return "TIMEOUT"
	case SegmentMissing:
		return "SEGMENT_MISSING"
	case OperationAborted:
		return "OPERATION_ABORTED"
	case QuotaExceeded:
		return "QUOTA_EXCEEDED"
	case MediaSourceOperationFailed:
		return "MEDIA_SOURCE_OPERATION_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Error is the typed error carried through the core. Data holds code-specific
// payload (e.g. the content type for QuotaExceeded, the HTTP status for
// BadHTTPStatus).
type Error struct {
	Severity Severity
	Category Category
	Code     Code
	Data     []any
	Handled  bool
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s/%s: %v", e.Severity, e.Category, e.Code, e.Err)
	}
	return fmt.Sprintf("%s/%s/%s", e.Severity, e.Category, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a typed Error with the given classification.
func New(sev Severity, cat Category, code Code, data ...any) *Error {
	return &Error{Severity: sev, Category: cat, Code: code, Data: data}
}

// Wrap builds a typed Error that wraps an underlying cause.
func Wrap(sev Severity, cat Category, code Code, err error, data ...any) *Error {
	return &Error{Severity: sev, Category: cat, Code: code, Data: data, Err: err}
}

// ErrAborted is the distinguished error returned by AbortableOp.abort() and
// by any queue op cancelled as part of a destroy() cascade. Callers match it
// with IsAborted, which checks the Code, so any OPERATION_ABORTED error
// matches, not only this value. An abort is never itself surfaced to the
// failureCallback.
var ErrAborted = New(Recoverable, Player, OperationAborted)

// IsAborted reports whether err is, or wraps, an OPERATION_ABORTED error.
func IsAborted(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == OperationAborted
	}
	return false
}

// IsQuotaExceeded reports whether err is, or wraps, a QUOTA_EXCEEDED error.
func IsQuotaExceeded(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == QuotaExceeded
	}
	return false
}

// AsTyped extracts the typed Error from err, if any.
func AsTyped(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
