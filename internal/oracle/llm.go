// Package oracle provides the leaf fact-checkers used by the evaluation
// engine: a language model oracle over the retrieval index, a rule oracle
// over structured facts, and composition helpers.
package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/prior-auth-server/internal/domain"
)

const criterionPromptTemplate = `Read the medical record which was sent to an American healthcare insurer for them to perform a Prior Authorization for a requested treatment.

Answer the following yes/no question about the patient: %s

Give your answer in JSON format with the following fields:
- answer: true if the record shows the answer is yes, false if it shows the answer is no, or null if the record does not contain enough information.
- reason: a short explanation of the answer.
- evidence: a short excerpt from the medical record supporting the answer, or null.
- missing_information: when answer is null, what information would be needed to answer the question, otherwise null.`

// LLMOracle answers criterion questions by querying the indexed record
type LLMOracle struct {
	logger *logrus.Logger
}

// NewLLMOracle creates a new language model oracle
func NewLLMOracle(logger *logrus.Logger) *LLMOracle {
	return &LLMOracle{logger: logger}
}

// Answer queries the index with the criterion question
func (o *LLMOracle) Answer(ctx context.Context, q domain.Question, idx domain.QueryableIndex) (domain.OracleAnswer, error) {
	if strings.TrimSpace(q.Text) == "" {
		return domain.OracleAnswer{}, fmt.Errorf("criterion %s has no question", q.CriterionID)
	}

	var answer domain.OracleAnswer
	if err := idx.Query(ctx, fmt.Sprintf(criterionPromptTemplate, q.Text), &answer); err != nil {
		return domain.OracleAnswer{}, fmt.Errorf("criterion %s: %w", q.CriterionID, err)
	}
	if answer.Answer.IsKnown() {
		answer.MissingInformation = nil
	}

	o.logger.WithFields(logrus.Fields{
		"criterion_id": q.CriterionID,
		"answer":       answer.Answer.String(),
	}).Debug("Criterion answered from medical record")

	return answer, nil
}
