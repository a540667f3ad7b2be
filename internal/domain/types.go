// Package domain contains the core entities of the prior authorization workflow:
// guideline decision trees, per-criterion results and the final decision record.
package domain

import (
	"bytes"
	"errors"
	"fmt"
)

// Operator is the logical combinator applied to a criterion's children.
type Operator string

const (
	AND  Operator = "AND"
	OR   Operator = "OR"
	NONE Operator = "NONE"
)

// Store errors shared by every persistence backend
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("document already exists")
)

// IsValid reports whether the operator is one of AND, OR or NONE.
// The empty operator is treated as NONE.
func (o Operator) IsValid() bool {
	switch o {
	case AND, OR, NONE, "":
		return true
	default:
		return false
	}
}

// String returns the string representation of the operator
func (o Operator) String() string {
	if o == "" {
		return string(NONE)
	}
	return string(o)
}

// Combinator returns the operator used when folding child results.
// A node with children but no explicit operator folds as OR.
func (o Operator) Combinator() Operator {
	if o == AND {
		return AND
	}
	return OR
}

// Identity returns the seed value for folding under this operator:
// true for AND, false for OR.
func (o Operator) Identity() bool {
	return o.Combinator() == AND
}

// Fold combines an accumulated aggregate with one more child value.
func (o Operator) Fold(aggregate, value bool) bool {
	if o.Combinator() == AND {
		return aggregate && value
	}
	return aggregate || value
}

// TriState is a yes/no answer that may also be unknown.
// It serialises as JSON true, false or null.
type TriState int8

const (
	Unknown TriState = iota
	NotMet
	Met
)

// TriStateFromBool converts a definite boolean into a TriState.
func TriStateFromBool(b bool) TriState {
	if b {
		return Met
	}
	return NotMet
}

// TriStateFromPtr converts a nullable boolean into a TriState.
func TriStateFromPtr(b *bool) TriState {
	if b == nil {
		return Unknown
	}
	return TriStateFromBool(*b)
}

// IsKnown reports whether the answer is definite
func (t TriState) IsKnown() bool {
	return t == Met || t == NotMet
}

// FoldsTrue is the boolean used when combining results. Unknown folds as false.
func (t TriState) FoldsTrue() bool {
	return t == Met
}

// Ptr returns the answer as a nullable boolean.
func (t TriState) Ptr() *bool {
	if !t.IsKnown() {
		return nil
	}
	b := t == Met
	return &b
}

// String returns "true", "false" or "unknown"
func (t TriState) String() string {
	switch t {
	case Met:
		return "true"
	case NotMet:
		return "false"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler
func (t TriState) MarshalJSON() ([]byte, error) {
	switch t {
	case Met:
		return []byte("true"), nil
	case NotMet:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler
func (t *TriState) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "true":
		*t = Met
	case "false":
		*t = NotMet
	case "null":
		*t = Unknown
	default:
		return fmt.Errorf("invalid tri-state value %s", data)
	}
	return nil
}

// ExitReason records which terminal state a pipeline run reached.
type ExitReason string

const (
	PRIOR_TREATMENT_SUCCESSFUL   ExitReason = "PRIOR_TREATMENT_SUCCESSFUL"
	GUIDELINE_CRITERIA_EVALUATED ExitReason = "GUIDELINE_CRITERIA_EVALUATED"
)

// IsValid validates the exit reason
func (e ExitReason) IsValid() bool {
	return e == PRIOR_TREATMENT_SUCCESSFUL || e == GUIDELINE_CRITERIA_EVALUATED
}

// String returns the string representation of ExitReason
func (e ExitReason) String() string {
	return string(e)
}

// Outcome tags the two terminal branches of the pipeline state machine.
type Outcome string

const (
	SHORT_CIRCUITED Outcome = "SHORT_CIRCUITED"
	FULLY_EVALUATED Outcome = "FULLY_EVALUATED"
)

// Stage names the pipeline states in the order they are reached.
type Stage string

const (
	StageIndexed               Stage = "INDEXED"
	StageCodeExtracted         Stage = "CODE_EXTRACTED"
	StageGuidelinesLoaded      Stage = "GUIDELINES_LOADED"
	StagePriorTreatmentChecked Stage = "PRIOR_TREATMENT_CHECKED"
	StageCriteriaEvaluated     Stage = "CRITERIA_EVALUATED"
)

// Stages lists every pipeline stage in execution order.
var Stages = []Stage{
	StageIndexed,
	StageCodeExtracted,
	StageGuidelinesLoaded,
	StagePriorTreatmentChecked,
	StageCriteriaEvaluated,
}

// ProcedureCategory is the CPT category of a procedure code.
type ProcedureCategory string

const (
	CATEGORY_I   ProcedureCategory = "CATEGORY_I"
	CATEGORY_II  ProcedureCategory = "CATEGORY_II"
	CATEGORY_III ProcedureCategory = "CATEGORY_III"
)
