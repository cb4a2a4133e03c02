package model

import (
	"errors"
	"fmt"
)

// NotFoundError is returned when an entity or memory space does not exist yet.
// Retrieval callers treat it as "no prior memory".
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Kind + " not found"
	}
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// ExtractionError is returned when fact extraction fails; the write pipeline
// recovers by storing a fallback record.
type ExtractionError struct {
	Err error
}

func (e *ExtractionError) Error() string { return "fact extraction failed: " + e.Err.Error() }
func (e *ExtractionError) Unwrap() error { return e.Err }

// BackendUnavailableError means an external memory or LLM backend could not be reached.
type BackendUnavailableError struct {
	Backend string
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Backend, e.Err)
}
func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// ConflictError means a concurrent writer superseded a record first.
type ConflictError struct {
	RecordID string
}

func (e *ConflictError) Error() string {
	return "supersession conflict on record " + e.RecordID
}

// InvalidInputError means a request or record failed validation. Retrying
// the same input cannot succeed.
type InvalidInputError struct {
	Err error
}

func (e *InvalidInputError) Error() string { return "invalid input: " + e.Err.Error() }
func (e *InvalidInputError) Unwrap() error { return e.Err }

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err wraps a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsBackendUnavailable reports whether err wraps a BackendUnavailableError.
func IsBackendUnavailable(err error) bool {
	var be *BackendUnavailableError
	return errors.As(err, &be)
}

// IsInvalidInput reports whether err wraps an InvalidInputError.
func IsInvalidInput(err error) bool {
	var ie *InvalidInputError
	return errors.As(err, &ie)
}
