package domain

import (
	"encoding/json"
	"time"
)

// CriterionResult is emitted for every node visited during evaluation.
// For an internal node IsMet is the aggregate of its subtree.
type CriterionResult struct {
	ID                 string   `json:"criterion_id"`
	Text               string   `json:"criterion"`
	Question           *string  `json:"criterion_question"`
	IsMet              TriState `json:"is_criterion_met"`
	Justification      string   `json:"reason"`
	Evidence           *string  `json:"evidence"`
	MissingInformation *string  `json:"information_required"`
}

// EvaluationOutcome is the overall verdict plus the pre-order trace of every node.
type EvaluationOutcome struct {
	OverallMet  bool              `json:"are_criteria_met"`
	NodeResults []CriterionResult `json:"criteria_results"`
}

// PriorTreatmentInformation describes whether conservative treatment was
// attempted before the requested procedure and whether it worked.
type PriorTreatmentInformation struct {
	WasTreatmentAttempted  bool    `json:"was_treatment_attempted"`
	EvidenceOfAttempt      *string `json:"evidence_of_whether_treatment_was_attempted"`
	WasTreatmentSuccessful *bool   `json:"was_treatment_successful"`
	EvidenceOfSuccess      *string `json:"evidence_of_whether_treatment_was_successful"`
}

// ShortCircuits reports whether a prior successful treatment makes the
// guideline criteria moot.
func (p PriorTreatmentInformation) ShortCircuits() bool {
	return p.WasTreatmentAttempted && p.WasTreatmentSuccessful != nil && *p.WasTreatmentSuccessful
}

// PreAuthorizationDecision is the record returned to callers and persisted
// in the decision store.
type PreAuthorizationDecision struct {
	ID                       string                    `json:"id,omitempty"`
	ProcedureCode            string                    `json:"cpt_code"`
	ExitReason               ExitReason                `json:"exit_reason"`
	PriorTreatmentInfo       PriorTreatmentInformation `json:"prior_treatment"`
	GuidelinesText           string                    `json:"guidelines"`
	AreGuidelineCriteriaMet  *bool                     `json:"are_guideline_criteria_met"`
	GuidelineCriteriaResults []CriterionResult         `json:"guideline_criteria_results"`
	CreatedAt                time.Time                 `json:"created_at"`
}

// MarshalJSON keeps guideline_criteria_results an array even when empty
func (d PreAuthorizationDecision) MarshalJSON() ([]byte, error) {
	type alias PreAuthorizationDecision
	a := alias(d)
	if a.GuidelineCriteriaResults == nil {
		a.GuidelineCriteriaResults = []CriterionResult{}
	}
	return json.Marshal(a)
}

// LogFields returns structured fields describing the decision
func (d *PreAuthorizationDecision) LogFields() map[string]interface{} {
	fields := map[string]interface{}{
		"decision_id":    d.ID,
		"procedure_code": d.ProcedureCode,
		"exit_reason":    d.ExitReason,
		"result_count":   len(d.GuidelineCriteriaResults),
	}
	if d.AreGuidelineCriteriaMet != nil {
		fields["criteria_met"] = *d.AreGuidelineCriteriaMet
	}
	return fields
}

// StageTiming records how long one pipeline stage took
type StageTiming struct {
	Stage    Stage         `json:"stage"`
	Duration time.Duration `json:"duration_ns"`
}

// PipelineResult is the tagged terminal state of a pipeline run.
type PipelineResult struct {
	Outcome  Outcome                   `json:"outcome"`
	Stage    Stage                     `json:"stage"`
	Decision *PreAuthorizationDecision `json:"decision"`
	Timings  []StageTiming             `json:"timings,omitempty"`
}

// ShortCircuited reports whether the run ended before evaluating the tree
func (r *PipelineResult) ShortCircuited() bool {
	return r.Outcome == SHORT_CIRCUITED
}

// Document is a medical record submitted for pre-authorization.
// Facts carries optional structured values (for example from an EHR export)
// that rule expressions on leaf criteria can reference.
type Document struct {
	Name        string                 `json:"name"`
	ContentType string                 `json:"content_type"`
	Content     []byte                 `json:"-"`
	Facts       map[string]interface{} `json:"facts,omitempty"`
}

// Question is what the oracle is asked for a single leaf criterion
type Question struct {
	CriterionID string
	Text        string
	Expression  string
}

// OracleAnswer is the oracle's tri-state verdict for one question
type OracleAnswer struct {
	Answer             TriState `json:"answer"`
	Reason             string   `json:"reason"`
	Evidence           *string  `json:"evidence"`
	MissingInformation *string  `json:"missing_information"`
}

// StringPtr returns a pointer to s, or nil when s is empty
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// BoolPtr returns a pointer to b
func BoolPtr(b bool) *bool {
	return &b
}
