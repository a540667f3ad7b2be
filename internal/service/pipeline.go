package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/prior-auth-server/internal/domain"
)

// procedureCodes is the structured answer to the code extraction query
type procedureCodes struct {
	Codes []string `json:"cpt_codes"`
}

// Pipeline sequences a pre-authorization run:
// index the record, extract the procedure code, load its guideline tree,
// check prior treatment and, unless that short-circuits, evaluate the tree.
type Pipeline struct {
	indexer    domain.Indexer
	guidelines domain.GuidelineStore
	evaluator  *Evaluator
	logger     *logrus.Logger
	recorder   Recorder
}

// NewPipeline creates a new pipeline
func NewPipeline(
	indexer domain.Indexer,
	guidelines domain.GuidelineStore,
	evaluator *Evaluator,
	logger *logrus.Logger,
	recorder Recorder,
) *Pipeline {
	return &Pipeline{
		indexer:    indexer,
		guidelines: guidelines,
		evaluator:  evaluator,
		logger:     logger,
		recorder:   recorderOrNop(recorder),
	}
}

// run carries the state accumulated while moving through the stages
type run struct {
	stage     domain.Stage
	timings   []domain.StageTiming
	startedAt time.Time
}

func (r *run) advance(rec Recorder, stage domain.Stage) {
	d := time.Since(r.startedAt)
	r.stage = stage
	r.timings = append(r.timings, domain.StageTiming{Stage: stage, Duration: d})
	rec.ObserveStage(stage, d)
	r.startedAt = time.Now()
}

// Run executes the pipeline for one medical record. Every fatal condition is
// returned as a *domain.PipelineError; a short-circuit is a normal result.
func (p *Pipeline) Run(ctx context.Context, doc domain.Document) (*domain.PipelineResult, error) {
	result, err := p.run(ctx, doc)
	if err != nil {
		p.recorder.ObserveRun("", err)
		return nil, err
	}
	p.recorder.ObserveRun(result.Outcome, nil)
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, doc domain.Document) (*domain.PipelineResult, error) {
	st := &run{startedAt: time.Now()}
	log := p.logger.WithField("document", doc.Name)
	log.Info("Starting pre-authorization pipeline")

	// Step 1: Make the medical record queryable
	idx, err := p.indexer.Index(ctx, doc)
	if err != nil {
		if pe, ok := domain.AsPipelineError(err); ok {
			return nil, pe
		}
		return nil, domain.NewPipelineError(domain.KindIndexingFailure, "medical record could not be indexed", err)
	}
	st.advance(p.recorder, domain.StageIndexed)

	// Step 2: Extract the requested procedure code
	code, err := p.extractProcedureCode(ctx, idx)
	if err != nil {
		return nil, err
	}
	st.advance(p.recorder, domain.StageCodeExtracted)
	log = log.WithField("procedure_code", code)

	// Step 3: Load the guideline tree for that code
	tree, err := p.loadGuidelines(ctx, code)
	if err != nil {
		return nil, err
	}
	st.advance(p.recorder, domain.StageGuidelinesLoaded)

	// Step 4: Check whether conservative treatment already succeeded
	var prior domain.PriorTreatmentInformation
	if err := idx.Query(ctx, priorTreatmentPrompt, &prior); err != nil {
		return nil, domain.NewPipelineError(domain.KindPriorTreatmentCheckFailed,
			"prior treatment information could not be extracted", err).WithProcedureCode(code)
	}
	st.advance(p.recorder, domain.StagePriorTreatmentChecked)

	decision := &domain.PreAuthorizationDecision{
		ProcedureCode:            code,
		PriorTreatmentInfo:       prior,
		GuidelinesText:           tree.GuidelinesText,
		GuidelineCriteriaResults: []domain.CriterionResult{},
		CreatedAt:                time.Now().UTC(),
	}

	if prior.ShortCircuits() {
		decision.ExitReason = domain.PRIOR_TREATMENT_SUCCESSFUL
		log.Info("Prior conservative treatment was successful, skipping guideline evaluation")
		return &domain.PipelineResult{
			Outcome:  domain.SHORT_CIRCUITED,
			Stage:    st.stage,
			Decision: decision,
			Timings:  st.timings,
		}, nil
	}

	// Step 5: Evaluate the guideline criteria
	outcome, err := p.evaluator.EvaluateTree(ctx, tree, idx)
	if err != nil {
		if pe, ok := domain.AsPipelineError(err); ok {
			return nil, pe.WithProcedureCode(code)
		}
		return nil, fmt.Errorf("failed to evaluate guideline criteria: %w", err)
	}
	st.advance(p.recorder, domain.StageCriteriaEvaluated)

	decision.ExitReason = domain.GUIDELINE_CRITERIA_EVALUATED
	decision.AreGuidelineCriteriaMet = domain.BoolPtr(outcome.OverallMet)
	decision.GuidelineCriteriaResults = outcome.NodeResults

	log.WithFields(logrus.Fields(decision.LogFields())).Info("Pre-authorization pipeline completed")

	return &domain.PipelineResult{
		Outcome:  domain.FULLY_EVALUATED,
		Stage:    st.stage,
		Decision: decision,
		Timings:  st.timings,
	}, nil
}

// extractProcedureCode returns the first valid code found in the record.
// Records requesting several procedures are evaluated for the first only.
func (p *Pipeline) extractProcedureCode(ctx context.Context, idx domain.QueryableIndex) (string, error) {
	var extracted procedureCodes
	if err := idx.Query(ctx, extractProcedureCodesPrompt, &extracted); err != nil {
		return "", domain.NewPipelineError(domain.KindNoProcedureCodeFound,
			"procedure codes could not be extracted from medical record", err)
	}

	for _, candidate := range extracted.Codes {
		code := NormalizeProcedureCode(candidate)
		if _, err := ValidateProcedureCode(code); err != nil {
			p.logger.WithField("candidate", candidate).Warn("Skipping invalid procedure code")
			continue
		}
		if len(extracted.Codes) > 1 {
			p.logger.WithFields(logrus.Fields{
				"procedure_code": code,
				"extracted":      len(extracted.Codes),
			}).Warn("Multiple procedure codes found, evaluating the first only")
		}
		return code, nil
	}

	return "", domain.NewPipelineError(domain.KindNoProcedureCodeFound,
		"could not find any CPT codes in medical record", nil)
}

// loadGuidelines fetches and validates the stored tree for a code
func (p *Pipeline) loadGuidelines(ctx context.Context, code string) (*domain.GuidelineTree, error) {
	tree, err := p.guidelines.Get(ctx, code)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NewPipelineError(domain.KindGuidelinesUnavailable,
				fmt.Sprintf("guidelines for requested CPT code %s not available; run guideline ingestion for this code first", code),
				nil).WithProcedureCode(code)
		}
		return nil, domain.NewPipelineError(domain.KindGuidelinesUnavailable,
			fmt.Sprintf("guidelines for requested CPT code %s could not be loaded", code), err).WithProcedureCode(code)
	}

	if err := tree.Validate(); err != nil {
		if pe, ok := domain.AsPipelineError(err); ok {
			return nil, pe.WithProcedureCode(code)
		}
		return nil, err
	}
	return tree, nil
}
