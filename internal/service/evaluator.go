package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/prior-auth-server/internal/domain"
)

// DefaultMaxConcurrency bounds in-flight oracle calls when no limit is configured
const DefaultMaxConcurrency = 4

// Evaluator walks a guideline tree, asks the oracle about every leaf and folds
// the answers with each level's logical operator.
//
// Every node is always evaluated; siblings never short-circuit, so the result
// trace is complete. Oracle calls may run concurrently but results are always
// emitted in pre-order.
type Evaluator struct {
	oracle         domain.Oracle
	logger         *logrus.Logger
	recorder       Recorder
	maxConcurrency int
}

// NewEvaluator creates an evaluator bound to an oracle. maxConcurrency of 1
// dispatches oracle calls strictly one at a time.
func NewEvaluator(oracle domain.Oracle, logger *logrus.Logger, recorder Recorder, maxConcurrency int) *Evaluator {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	return &Evaluator{
		oracle:         oracle,
		logger:         logger,
		recorder:       recorderOrNop(recorder),
		maxConcurrency: maxConcurrency,
	}
}

// EvaluateTree evaluates the root criteria of a guideline tree
func (e *Evaluator) EvaluateTree(ctx context.Context, tree *domain.GuidelineTree, idx domain.QueryableIndex) (*domain.EvaluationOutcome, error) {
	met, results, err := e.Evaluate(ctx, tree.RootCriteria, tree.RootOperator, idx)
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"procedure_code": tree.ProcedureCode,
		"treatment":      tree.TreatmentName,
		"criteria_met":   met,
		"node_results":   len(results),
	}).Info("Completed guideline criteria evaluation")

	return &domain.EvaluationOutcome{OverallMet: met, NodeResults: results}, nil
}

// Evaluate combines children under op and returns the aggregate together with
// one result per visited node in pre-order. An empty list is vacuously met.
// A leaf without a question fails with a MALFORMED_TREE error before any
// oracle call is made.
func (e *Evaluator) Evaluate(ctx context.Context, children []domain.Criterion, op domain.Operator, idx domain.QueryableIndex) (bool, []domain.CriterionResult, error) {
	if len(children) == 0 {
		return true, []domain.CriterionResult{}, nil
	}

	var leaves []*domain.Criterion
	if err := collectLeaves(children, &leaves); err != nil {
		return false, nil, err
	}

	answers := e.dispatch(ctx, leaves, idx)

	next := 0
	met, results := e.fold(children, op, answers, &next)
	return met, results, nil
}

// collectLeaves appends the leaves of children in pre-order
func collectLeaves(children []domain.Criterion, leaves *[]*domain.Criterion) error {
	for i := range children {
		c := &children[i]
		if !c.IsLeaf() {
			if err := collectLeaves(c.Children, leaves); err != nil {
				return err
			}
			continue
		}
		if strings.TrimSpace(c.Question) == "" {
			return domain.NewMalformedTreeError(c.ID, "leaf criterion %s has no question", c.ID)
		}
		*leaves = append(*leaves, c)
	}
	return nil
}

// dispatch asks the oracle about every leaf. Answers are stored by leaf
// position so completion order does not matter. Once ctx is done no further
// oracle calls are started; the remaining leaves are recorded as unknown so
// the evaluation still completes.
func (e *Evaluator) dispatch(ctx context.Context, leaves []*domain.Criterion, idx domain.QueryableIndex) []domain.OracleAnswer {
	answers := make([]domain.OracleAnswer, len(leaves))

	var g errgroup.Group
	g.SetLimit(e.maxConcurrency)
	for i, leaf := range leaves {
		g.Go(func() error {
			if ctx.Err() != nil {
				answers[i] = e.skip(ctx, leaf)
				return nil
			}
			answers[i] = e.ask(ctx, leaf, idx)
			return nil
		})
	}
	_ = g.Wait()

	return answers
}

// skip records a leaf that was not asked because ctx ended first
func (e *Evaluator) skip(ctx context.Context, leaf *domain.Criterion) domain.OracleAnswer {
	e.logger.WithError(ctx.Err()).WithField("criterion_id", leaf.ID).Warn("Criterion not evaluated")
	e.recorder.ObserveAnswer(domain.Unknown)
	return domain.OracleAnswer{
		Answer:             domain.Unknown,
		Reason:             "The criterion was not evaluated before the request ended",
		MissingInformation: domain.StringPtr(fmt.Sprintf("not evaluated: %v", ctx.Err())),
	}
}

// ask never fails: an oracle error is recorded as an unknown answer
func (e *Evaluator) ask(ctx context.Context, leaf *domain.Criterion, idx domain.QueryableIndex) domain.OracleAnswer {
	answer, err := e.oracle.Answer(ctx, domain.Question{
		CriterionID: leaf.ID,
		Text:        leaf.Question,
		Expression:  leaf.Expression,
	}, idx)
	if err != nil {
		e.logger.WithError(err).WithField("criterion_id", leaf.ID).Warn("Oracle could not answer criterion")
		answer = domain.OracleAnswer{
			Answer:             domain.Unknown,
			Reason:             "The criterion could not be evaluated against the medical record",
			MissingInformation: domain.StringPtr(fmt.Sprintf("oracle error: %v", err)),
		}
	}
	e.recorder.ObserveAnswer(answer.Answer)
	return answer
}

func (e *Evaluator) fold(children []domain.Criterion, op domain.Operator, answers []domain.OracleAnswer, next *int) (bool, []domain.CriterionResult) {
	aggregate := op.Identity()
	results := make([]domain.CriterionResult, 0, len(children))

	for i := range children {
		c := &children[i]
		var value domain.TriState

		if c.IsLeaf() {
			answer := answers[*next]
			*next++
			value = answer.Answer
			results = append(results, domain.CriterionResult{
				ID:                 c.ID,
				Text:               c.Text,
				Question:           domain.StringPtr(c.Question),
				IsMet:              answer.Answer,
				Justification:      answer.Reason,
				Evidence:           answer.Evidence,
				MissingInformation: answer.MissingInformation,
			})
		} else {
			subMet, subResults := e.fold(c.Children, c.ChildrenOperator, answers, next)
			value = domain.TriStateFromBool(subMet)
			results = append(results, domain.CriterionResult{
				ID:            c.ID,
				Text:          c.Text,
				IsMet:         value,
				Justification: subtreeJustification(c.ChildrenOperator, subMet),
			})
			results = append(results, subResults...)
		}

		aggregate = op.Fold(aggregate, value.FoldsTrue())
	}

	return aggregate, results
}

func subtreeJustification(op domain.Operator, met bool) string {
	switch {
	case op.Combinator() == domain.AND && met:
		return "All sub-criteria are met"
	case op.Combinator() == domain.AND:
		return "Not all sub-criteria are met"
	case met:
		return "At least one sub-criterion is met"
	default:
		return "None of the sub-criteria are met"
	}
}
