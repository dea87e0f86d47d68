package ir

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes failures surfaced to callers.
type ErrorKind string

const (
	// KindValidation: the request or a correction value fails schema checks.
	// Structured ingestion never returns it for individual fields; those become Raw Fragments.
	KindValidation ErrorKind = "validation"

	// KindNotFound: unknown entity, source, relationship or schema.
	KindNotFound ErrorKind = "not_found"

	// KindConflict: merge precondition violated, concurrent merge collision,
	// interpretation already in flight, relationship cycle, identity hash collision.
	KindConflict ErrorKind = "conflict"

	// KindQuotaExceeded: the owner's monthly interpretation quota is used up.
	KindQuotaExceeded ErrorKind = "quota_exceeded"

	// KindTimeout: the interpretation heartbeat lapsed and the run was reaped.
	// Retry with reinterpret.
	KindTimeout ErrorKind = "timeout"

	// KindForbidden: cross-owner access.
	KindForbidden ErrorKind = "forbidden"
)

// Error carries a kind plus the offending resource/id/field so callers can
// decide whether to retry, correct, or abandon.
type Error struct {
	Kind     ErrorKind
	Message  string
	Resource string // "entity", "source", "relationship", "schema", "interpretation"
	ID       string
	Field    string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Resource != "" && e.ID != "" {
		msg += fmt.Sprintf(" (%s=%s)", e.Resource, e.ID)
	}
	if e.Field != "" {
		msg += fmt.Sprintf(" (field=%s)", e.Field)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NotFound creates a not_found error for resource id.
func NotFound(resource, id string) *Error {
	return &Error{Kind: KindNotFound, Message: resource + " not found", Resource: resource, ID: id}
}

// Conflict creates a conflict error.
func Conflict(resource, id, message string) *Error {
	return &Error{Kind: KindConflict, Message: message, Resource: resource, ID: id}
}

// Validation creates a validation error for field.
func Validation(field, message string) *Error {
	return &Error{Kind: KindValidation, Message: message, Field: field}
}

// QuotaExceeded creates a quota_exceeded error for an owner.
func QuotaExceeded(ownerID, period string, limit int64) *Error {
	return &Error{
		Kind:     KindQuotaExceeded,
		Message:  fmt.Sprintf("monthly interpretation quota of %d exhausted for %s", limit, period),
		Resource: "owner",
		ID:       ownerID,
	}
}

// Timeout creates a timeout error for an interpretation.
func Timeout(interpretationID string) *Error {
	return &Error{
		Kind:     KindTimeout,
		Message:  "interpretation heartbeat lapsed; retry with reinterpret",
		Resource: "interpretation",
		ID:       interpretationID,
	}
}

// Forbidden creates a forbidden error for cross-owner access.
func Forbidden(resource, id string) *Error {
	return &Error{Kind: KindForbidden, Message: "resource belongs to another owner", Resource: resource, ID: id}
}

// KindOf returns the kind of err, or "" if err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsNotFound reports whether err is a not_found error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsQuotaExceeded reports whether err is a quota_exceeded error.
func IsQuotaExceeded(err error) bool { return KindOf(err) == KindQuotaExceeded }

// IsTimeout reports whether err is a timeout error.
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }

// IsForbidden reports whether err is a forbidden error.
func IsForbidden(err error) bool { return KindOf(err) == KindForbidden }
