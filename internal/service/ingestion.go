package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/prior-auth-server/internal/domain"
	"github.com/prior-auth-server/pkg/external"
)

var (
	enumerateBulletsPrompt = MultilinePrompt(`
		I will send you blocks of raw text which has been parsed from a PDF.

		The text will contain a block of nested bullet points but they may not be formatted properly.

		Rewrite the bullet points such that they are enumerated.

		Ignore any text that comes before or after the block of bullet points.
	`)

	enumerateExampleInput = MultilinePrompt(`
		This document is private 12344 26th Jan, technology; • Xray, as demonstrated by at least one of these: o Patient has high risk, as indicated by all or the following: § Aged over 60 years § Fell on hard surface o High risk in family history
	`)

	enumerateExampleOutput = `1. Xray, as demonstrated by at least one of these:
   1.1. Patient has high risk, as indicated by all of the following:
        1.1.1. Aged over 60 years
        1.1.2. Fell on hard surface
   1.2. High risk in family history`

	guidelineTreePrompt = MultilinePrompt(`
		I will provide you with a set of guidelines which are used by an American medical insurer during Prior Authorization to determine whether to approve a requested treatment.

		The guidelines are formatted as a nested set of enumerated bullet points where each bullet point describes a single criterion and potentially a nested set of sub-criteria.

		Convert the guidelines into a nested JSON tree where the root object contains the following fields:
		- treatment: The name of the treatment in question.
		- criteria: A list of criteria for the treatment to be approved.
		- criteria_operator: "AND" if all criteria must be met or "OR" if any one criterion is sufficient.

		And each criterion object contains the following fields:
		- criterion: The criterion for a single bullet point.
		- criterion_id: The numeric ID of the bullet point in the format x.y.z.
		- sub_criteria: A (potentially empty) list of sub-criteria which are part of this criterion.
		- sub_criteria_operator: "AND" if all sub-criteria must be met, "OR" if any one is sufficient, or null when sub_criteria is empty.
		- question: Only for criteria with no sub-criteria, a yes/no question that can be answered from a patient's medical record to decide whether the criterion is met. Omit it for criteria with sub-criteria.

		Respond with the JSON object only.
	`)
)

// GuidelineIngestion converts free-text guidelines for a procedure code into
// a validated decision tree and stores it.
type GuidelineIngestion struct {
	llm    external.LLMClient
	store  domain.GuidelineStore
	logger *logrus.Logger
}

// NewGuidelineIngestion creates a new ingestion service
func NewGuidelineIngestion(llm external.LLMClient, store domain.GuidelineStore, logger *logrus.Logger) *GuidelineIngestion {
	return &GuidelineIngestion{
		llm:    llm,
		store:  store,
		logger: logger,
	}
}

// Ingest parses rawGuidelines into a tree for code and stores it. With
// overwrite false an existing tree is left untouched and ErrAlreadyExists is
// returned.
func (g *GuidelineIngestion) Ingest(ctx context.Context, code, rawGuidelines string, overwrite bool) (string, *domain.GuidelineTree, error) {
	code = NormalizeProcedureCode(code)
	if _, err := ValidateProcedureCode(code); err != nil {
		return "", nil, domain.NewPipelineError(domain.KindInvalidInput, err.Error(), err)
	}
	if strings.TrimSpace(rawGuidelines) == "" {
		return "", nil, domain.NewPipelineError(domain.KindInvalidInput, "guidelines text is empty", nil).WithProcedureCode(code)
	}

	log := g.logger.WithField("procedure_code", code)
	log.Info("Starting guideline ingestion")

	// Step 1: Enumerate the bullet points so their numbers can serve as ids
	enumerated, err := g.llm.Complete(ctx, external.CompletionRequest{
		System: enumerateBulletsPrompt,
		Messages: []external.Message{
			{Role: external.RoleUser, Content: enumerateExampleInput},
			{Role: external.RoleAssistant, Content: enumerateExampleOutput},
			{Role: external.RoleUser, Content: StripTextBeforeFirstBullet(rawGuidelines)},
		},
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to enumerate guidelines: %w", err)
	}

	// Step 2: Convert the enumerated bullets into a tree
	tree, err := g.parseTree(ctx, enumerated)
	if err != nil {
		return "", nil, err
	}
	tree.ProcedureCode = code
	tree.GuidelinesText = strings.TrimSpace(enumerated)

	// Step 3: Validate before anything is stored
	if err := tree.Validate(); err != nil {
		if pe, ok := domain.AsPipelineError(err); ok {
			return "", nil, pe.WithProcedureCode(code)
		}
		return "", nil, err
	}

	// Step 4: Store
	id, err := g.store.Put(ctx, code, tree, overwrite)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return "", nil, err
		}
		return "", nil, fmt.Errorf("failed to store guidelines for %s: %w", code, err)
	}

	log.WithFields(logrus.Fields{
		"guideline_id": id,
		"treatment":    tree.TreatmentName,
		"criteria":     tree.CountNodes(),
	}).Info("Guideline ingestion completed")

	return id, tree, nil
}

func (g *GuidelineIngestion) parseTree(ctx context.Context, enumerated string) (*domain.GuidelineTree, error) {
	text, err := g.llm.Complete(ctx, external.CompletionRequest{
		System: guidelineTreePrompt,
		Messages: []external.Message{
			{Role: external.RoleUser, Content: enumerated},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to convert guidelines into a decision tree: %w", err)
	}

	var tree domain.GuidelineTree
	if err := json.Unmarshal([]byte(external.CleanJSON(text)), &tree); err != nil {
		return nil, domain.NewPipelineError(domain.KindMalformedTree, "guideline tree response is not valid JSON", err)
	}
	return &tree, nil
}

// StripTextBeforeFirstBullet drops any preamble that precedes the first "•"
func StripTextBeforeFirstBullet(text string) string {
	if i := strings.Index(text, "•"); i >= 0 {
		return text[i:]
	}
	return text
}
