package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind classifies a fatal pipeline failure
type ErrorKind string

// Error kinds for the fatal conditions of a pre-authorization run.
// An unknown oracle answer is a valid outcome and has no kind.
const (
	KindIndexingFailure           ErrorKind = "INDEXING_FAILURE"
	KindNoProcedureCodeFound      ErrorKind = "NO_PROCEDURE_CODE_FOUND"
	KindGuidelinesUnavailable     ErrorKind = "GUIDELINES_UNAVAILABLE"
	KindMalformedTree             ErrorKind = "MALFORMED_TREE"
	KindPriorTreatmentCheckFailed ErrorKind = "PRIOR_TREATMENT_CHECK_FAILED"
	KindPersistenceFailure        ErrorKind = "PERSISTENCE_FAILURE"
	KindInvalidInput              ErrorKind = "INVALID_INPUT"
)

// HTTPStatus maps the kind to the status code returned by the API
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindIndexingFailure, KindNoProcedureCodeFound, KindMalformedTree:
		return http.StatusUnprocessableEntity
	case KindGuidelinesUnavailable:
		return http.StatusNotFound
	case KindPriorTreatmentCheckFailed:
		return http.StatusBadGateway
	case KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// PipelineError is returned for every fatal condition of a pipeline run.
// It carries a classification plus the context needed to act on it.
type PipelineError struct {
	Kind          ErrorKind `json:"code"`
	Message       string    `json:"message"`
	ProcedureCode string    `json:"procedure_code,omitempty"`
	CriterionID   string    `json:"criterion_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Cause         error     `json:"-"`
}

// Error implements the error interface
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is and errors.As
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// WithProcedureCode attaches the procedure code the failure relates to
func (e *PipelineError) WithProcedureCode(code string) *PipelineError {
	e.ProcedureCode = code
	return e
}

// NewPipelineError creates a new PipelineError with timestamp
func NewPipelineError(kind ErrorKind, message string, cause error) *PipelineError {
	return &PipelineError{
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Cause:     cause,
	}
}

// NewMalformedTreeError reports a guideline tree that violates a structural invariant
func NewMalformedTreeError(criterionID, format string, args ...interface{}) *PipelineError {
	err := NewPipelineError(KindMalformedTree, fmt.Sprintf(format, args...), nil)
	err.CriterionID = criterionID
	return err
}

// AsPipelineError extracts a PipelineError from an error chain
func AsPipelineError(err error) (*PipelineError, bool) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsPipelineError reports whether err is a PipelineError of the given kind
func IsPipelineError(err error, kind ErrorKind) bool {
	pe, ok := AsPipelineError(err)
	return ok && pe.Kind == kind
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}
