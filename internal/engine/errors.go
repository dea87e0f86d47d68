package engine

import (
	"errors"

	"github.com/roach88/truthlayer/internal/ir"
)

// KindInternal marks failures outside the caller-facing taxonomy: storage
// faults, provider transport errors, bugs.
const KindInternal ir.ErrorKind = "internal"

// ActionError is the serializable form of an action failure.
//
// It carries the kind plus the offending resource, id and field so a caller
// can decide whether to retry, correct, or abandon without parsing messages.
type ActionError struct {
	Kind      ir.ErrorKind `json:"kind"`
	Message   string       `json:"message"`
	Resource  string       `json:"resource,omitempty"`
	ID        string       `json:"id,omitempty"`
	Field     string       `json:"field,omitempty"`
	Retryable bool         `json:"retryable"`
}

// Error implements the error interface.
func (e *ActionError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// ErrorOf converts any action error into an ActionError.
// Returns nil for a nil error.
func ErrorOf(err error) *ActionError {
	if err == nil {
		return nil
	}
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae
	}
	var te *ir.Error
	if !errors.As(err, &te) {
		return &ActionError{Kind: KindInternal, Message: err.Error()}
	}
	return &ActionError{
		Kind:      te.Kind,
		Message:   err.Error(),
		Resource:  te.Resource,
		ID:        te.ID,
		Field:     te.Field,
		Retryable: Retryable(te.Kind),
	}
}

// Retryable reports whether repeating the same action may succeed without
// changing the request. A timed-out interpretation is retried by
// reinterpreting; an exhausted quota frees up in the next period.
func Retryable(kind ir.ErrorKind) bool {
	switch kind {
	case ir.KindTimeout, ir.KindQuotaExceeded, KindInternal:
		return true
	default:
		return false
	}
}
