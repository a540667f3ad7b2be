package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/prior-auth-server/internal/domain"
)

// PreAuthorizationService is the entry point used by the API and MCP layers.
// It runs the pipeline and records every decision.
type PreAuthorizationService struct {
	pipeline   *Pipeline
	indexer    domain.Indexer
	guidelines domain.GuidelineStore
	decisions  domain.DecisionStore
	evaluator  *Evaluator
	logger     *logrus.Logger
}

// NewPreAuthorizationService creates a new pre-authorization service
func NewPreAuthorizationService(
	indexer domain.Indexer,
	guidelines domain.GuidelineStore,
	decisions domain.DecisionStore,
	evaluator *Evaluator,
	logger *logrus.Logger,
	recorder Recorder,
) *PreAuthorizationService {
	return &PreAuthorizationService{
		pipeline:   NewPipeline(indexer, guidelines, evaluator, logger, recorder),
		indexer:    indexer,
		guidelines: guidelines,
		decisions:  decisions,
		evaluator:  evaluator,
		logger:     logger,
	}
}

// Pipeline returns the underlying pipeline
func (s *PreAuthorizationService) Pipeline() *Pipeline {
	return s.pipeline
}

// RunPreAuthorization runs the pipeline and persists the resulting decision
func (s *PreAuthorizationService) RunPreAuthorization(ctx context.Context, doc domain.Document) (*domain.PreAuthorizationDecision, error) {
	result, err := s.pipeline.Run(ctx, doc)
	if err != nil {
		return nil, err
	}

	decision := result.Decision
	id, err := s.decisions.Put(ctx, decision)
	if err != nil {
		return nil, domain.NewPipelineError(domain.KindPersistenceFailure,
			"pre-authorization decision could not be stored", err).WithProcedureCode(decision.ProcedureCode)
	}
	decision.ID = id

	s.logger.WithFields(logrus.Fields(decision.LogFields())).WithField("outcome", result.Outcome).
		Info("Stored pre-authorization decision")

	return decision, nil
}

// GetDecision returns a stored decision by id
func (s *PreAuthorizationService) GetDecision(ctx context.Context, id string) (*domain.PreAuthorizationDecision, error) {
	decision, err := s.decisions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get decision %s: %w", id, err)
	}
	return decision, nil
}

// EvaluateGuideline evaluates the stored tree for a known procedure code
// against a record, without code extraction or the prior treatment check.
func (s *PreAuthorizationService) EvaluateGuideline(ctx context.Context, code string, doc domain.Document) (*domain.EvaluationOutcome, error) {
	code = NormalizeProcedureCode(code)
	if _, err := ValidateProcedureCode(code); err != nil {
		return nil, domain.NewPipelineError(domain.KindInvalidInput, err.Error(), err)
	}

	tree, err := s.pipeline.loadGuidelines(ctx, code)
	if err != nil {
		return nil, err
	}

	idx, err := s.indexer.Index(ctx, doc)
	if err != nil {
		if pe, ok := domain.AsPipelineError(err); ok {
			return nil, pe
		}
		return nil, domain.NewPipelineError(domain.KindIndexingFailure, "medical record could not be indexed", err)
	}

	return s.evaluator.EvaluateTree(ctx, tree, idx)
}

// GetGuidelines returns the stored tree for a procedure code
func (s *PreAuthorizationService) GetGuidelines(ctx context.Context, code string) (*domain.GuidelineTree, error) {
	code = NormalizeProcedureCode(code)
	tree, err := s.guidelines.Get(ctx, code)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NewPipelineError(domain.KindGuidelinesUnavailable,
				fmt.Sprintf("guidelines for CPT code %s not available", code), err).WithProcedureCode(code)
		}
		return nil, fmt.Errorf("failed to get guidelines for %s: %w", code, err)
	}
	return tree, nil
}
