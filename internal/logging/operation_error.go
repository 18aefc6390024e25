package logging

import (
	"errors"
	"fmt"
)

// Error kinds shared across the verification flow. Callers match them with
// errors.Is through any number of OperationError wrappers.
var (
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("not found")
	ErrInFlight             = errors.New("verification attempt already in flight")
	ErrService              = errors.New("recognition service unavailable")
	ErrExtractionIncomplete = errors.New("extraction incomplete")
	ErrPersistence          = errors.New("persistence failed")
)

// OperationError annotates an error with operation metadata.
type OperationError struct {
	Operation string
	RequestID string
	Err       error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.RequestID != "" {
		return fmt.Sprintf("%s (request_id=%s): %v", e.Operation, e.RequestID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps an error with structured context about where it occurred.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}

// KindError pairs one of the kind sentinels with the concrete cause.
type KindError struct {
	Kind  error
	Cause error
}

func (e *KindError) Error() string {
	if e.Cause == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Cause)
}

// Is reports a match against the kind as well as the cause chain.
func (e *KindError) Is(target error) bool {
	return target == e.Kind
}

func (e *KindError) Unwrap() error {
	return e.Cause
}

// WithKind tags err with kind. A nil err yields the bare kind.
func WithKind(kind, err error) error {
	if err == nil {
		return kind
	}
	return &KindError{Kind: kind, Cause: err}
}

// Kind returns the first kind sentinel found in err's chain, or nil.
func Kind(err error) error {
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrInFlight, ErrExtractionIncomplete, ErrService, ErrPersistence} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
