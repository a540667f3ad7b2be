package domain

import (
	"strings"
)

// MaxTreeDepth bounds the nesting of a guideline tree accepted at load time.
const MaxTreeDepth = 32

// Criterion is one node of a guideline decision tree. A node without children
// is a leaf and is resolved by asking its Question against the medical record.
type Criterion struct {
	ID               string      `json:"criterion_id" yaml:"criterion_id"`
	Text             string      `json:"criterion" yaml:"criterion"`
	Question         string      `json:"question,omitempty" yaml:"question,omitempty"`
	Expression       string      `json:"expression,omitempty" yaml:"expression,omitempty"`
	Children         []Criterion `json:"sub_criteria" yaml:"sub_criteria"`
	ChildrenOperator Operator    `json:"sub_criteria_operator,omitempty" yaml:"sub_criteria_operator,omitempty"`
}

// IsLeaf reports whether the criterion has no sub-criteria
func (c *Criterion) IsLeaf() bool {
	return len(c.Children) == 0
}

// CountNodes returns the number of nodes in the subtree rooted at c, including c.
func (c *Criterion) CountNodes() int {
	n := 1
	for i := range c.Children {
		n += c.Children[i].CountNodes()
	}
	return n
}

// GuidelineTree is the root of a procedure's approval guidelines. It behaves
// like an internal node without an id or question.
type GuidelineTree struct {
	ProcedureCode  string      `json:"cpt_code,omitempty" yaml:"procedure_code"`
	TreatmentName  string      `json:"treatment" yaml:"treatment"`
	GuidelinesText string      `json:"guidelines,omitempty" yaml:"guidelines,omitempty"`
	RootCriteria   []Criterion `json:"criteria" yaml:"criteria"`
	RootOperator   Operator    `json:"criteria_operator" yaml:"criteria_operator"`
}

// CountNodes returns the number of criterion nodes in the tree.
func (t *GuidelineTree) CountNodes() int {
	n := 0
	for i := range t.RootCriteria {
		n += t.RootCriteria[i].CountNodes()
	}
	return n
}

// Validate checks the structural invariants of the tree. It is run when a tree
// is loaded from a store or produced by ingestion, never during evaluation.
func (t *GuidelineTree) Validate() error {
	if t.RootOperator != AND && t.RootOperator != OR {
		return NewMalformedTreeError("", "root operator must be AND or OR, got %q", t.RootOperator)
	}
	if len(t.RootCriteria) == 0 {
		return NewMalformedTreeError("", "guideline tree for %q has no criteria", t.TreatmentName)
	}
	seen := make(map[string]struct{}, t.CountNodes())
	for i := range t.RootCriteria {
		if err := t.RootCriteria[i].validate(1, seen); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the subtree rooted at c in isolation.
func (c *Criterion) Validate() error {
	return c.validate(1, make(map[string]struct{}))
}

func (c *Criterion) validate(depth int, seen map[string]struct{}) error {
	if depth > MaxTreeDepth {
		return NewMalformedTreeError(c.ID, "tree exceeds maximum depth of %d", MaxTreeDepth)
	}
	if !validCriterionID(c.ID) {
		return NewMalformedTreeError(c.ID, "criterion id %q is not a dot-separated identifier", c.ID)
	}
	key := canonicalCriterionID(c.ID)
	if _, dup := seen[key]; dup {
		return NewMalformedTreeError(c.ID, "duplicate criterion id %q", c.ID)
	}
	seen[key] = struct{}{}

	if !c.ChildrenOperator.IsValid() {
		return NewMalformedTreeError(c.ID, "criterion %s has invalid operator %q", c.ID, c.ChildrenOperator)
	}

	hasQuestion := strings.TrimSpace(c.Question) != ""
	if c.IsLeaf() {
		if !hasQuestion {
			return NewMalformedTreeError(c.ID, "leaf criterion %s has no question", c.ID)
		}
		if c.ChildrenOperator != NONE && c.ChildrenOperator != "" {
			return NewMalformedTreeError(c.ID, "leaf criterion %s has operator %s", c.ID, c.ChildrenOperator)
		}
		return nil
	}

	if hasQuestion {
		return NewMalformedTreeError(c.ID, "criterion %s has sub-criteria and a question", c.ID)
	}
	for i := range c.Children {
		if err := c.Children[i].validate(depth+1, seen); err != nil {
			return err
		}
	}
	return nil
}

// canonicalCriterionID drops surrounding space and a trailing dot, so "1.2"
// and "1.2." name the same criterion.
func canonicalCriterionID(id string) string {
	return strings.TrimSuffix(strings.TrimSpace(id), ".")
}

// validCriterionID accepts ids such as "1", "1.2.1" and "1.2." (trailing dot
// as written in enumerated bullet lists).
func validCriterionID(id string) bool {
	id = canonicalCriterionID(id)
	if id == "" {
		return false
	}
	for _, seg := range strings.Split(id, ".") {
		if seg == "" {
			return false
		}
		for _, r := range seg {
			if !(r >= '0' && r <= '9') && !(r >= 'a' && r <= 'z') && !(r >= 'A' && r <= 'Z') {
				return false
			}
		}
	}
	return true
}
