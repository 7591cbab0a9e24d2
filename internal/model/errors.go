package model

import (
	"errors"
	"fmt"
)

// NotFoundError indicates the resource does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError indicates malformed input. Nothing was mutated.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// CausalityViolation indicates an operation references a relationship whose
// creating operation never arrived.
type CausalityViolation struct {
	OperationID    string
	RelationshipID string
}

func (e *CausalityViolation) Error() string {
	return fmt.Sprintf("causality violation: operation %s references unknown relationship %s", e.OperationID, e.RelationshipID)
}

// ConvergenceFailure indicates a merge broke one of its algebraic laws.
// The offending input is quarantined and the local state is left untouched.
type ConvergenceFailure struct {
	DocumentID string
	Field      string
	Reason     string
}

func (e *ConvergenceFailure) Error() string {
	return fmt.Sprintf("convergence failure on %s/%s: %s", e.DocumentID, e.Field, e.Reason)
}

// EmbeddingBackendUnavailable indicates the embedding backend refused or
// failed a request. The record stays stale and is retried.
type EmbeddingBackendUnavailable struct {
	MemoryID string
	Err      error
}

func (e *EmbeddingBackendUnavailable) Error() string {
	return fmt.Sprintf("embedding backend unavailable for %s: %v", e.MemoryID, e.Err)
}

func (e *EmbeddingBackendUnavailable) Unwrap() error { return e.Err }

// ResolutionTimeout indicates a conflict resolution exceeded its deadline and
// fell back to automatic resolution.
type ResolutionTimeout struct {
	GroupID string
}

func (e *ResolutionTimeout) Error() string {
	return "resolution timed out for conflict group " + e.GroupID
}

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsNotFound(err error) bool {
	var v *NotFoundError
	return errors.As(err, &v)
}

func IsCausality(err error) bool {
	var v *CausalityViolation
	return errors.As(err, &v)
}

func IsConvergence(err error) bool {
	var v *ConvergenceFailure
	return errors.As(err, &v)
}

func IsEmbeddingUnavailable(err error) bool {
	var v *EmbeddingBackendUnavailable
	return errors.As(err, &v)
}

func IsResolutionTimeout(err error) bool {
	var v *ResolutionTimeout
	return errors.As(err, &v)
}
