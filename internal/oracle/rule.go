package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/prior-auth-server/internal/domain"
)

// ErrNoRule is returned by RuleOracle for questions without an expression
var ErrNoRule = errors.New("criterion has no rule expression")

const (
	factsVariable    = "facts"
	ruleCostLimit    = 100000
	programCacheSize = 256
)

// RuleOracle evaluates CEL expressions attached to leaf criteria against the
// structured facts submitted with a record, e.g. `facts.age >= 60`.
type RuleOracle struct {
	env      *cel.Env
	programs *lru.Cache[string, cel.Program]
	logger   *logrus.Logger
}

// NewRuleOracle creates a rule oracle
func NewRuleOracle(logger *logrus.Logger) (*RuleOracle, error) {
	env, err := cel.NewEnv(
		cel.Variable(factsVariable, cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	programs, err := lru.New[string, cel.Program](programCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create program cache: %w", err)
	}

	return &RuleOracle{
		env:      env,
		programs: programs,
		logger:   logger,
	}, nil
}

// Check compiles an expression without evaluating it
func (o *RuleOracle) Check(expression string) error {
	_, err := o.program(expression)
	return err
}

func (o *RuleOracle) program(expression string) (cel.Program, error) {
	if prog, ok := o.programs.Get(expression); ok {
		return prog, nil
	}

	ast, issues := o.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	prog, err := o.env.Program(ast,
		cel.EvalOptions(cel.OptTrackState),
		cel.CostLimit(ruleCostLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	o.programs.Add(expression, prog)
	return prog, nil
}

// Answer evaluates the question's expression. A missing fact or a
// non-boolean result yields an unknown answer rather than an error.
func (o *RuleOracle) Answer(ctx context.Context, q domain.Question, idx domain.QueryableIndex) (domain.OracleAnswer, error) {
	expression := strings.TrimSpace(q.Expression)
	if expression == "" {
		return domain.OracleAnswer{}, ErrNoRule
	}

	prog, err := o.program(expression)
	if err != nil {
		return domain.OracleAnswer{}, fmt.Errorf("criterion %s: %w", q.CriterionID, err)
	}

	facts := idx.Facts()
	if facts == nil {
		facts = map[string]interface{}{}
	}

	out, _, err := prog.ContextEval(ctx, map[string]interface{}{factsVariable: facts})
	if err != nil {
		o.logger.WithFields(logrus.Fields{
			"criterion_id": q.CriterionID,
			"expression":   expression,
		}).WithError(err).Debug("Rule could not be evaluated against facts")
		return domain.OracleAnswer{
			Answer:             domain.Unknown,
			Reason:             fmt.Sprintf("Rule %q could not be evaluated against the structured facts", expression),
			MissingInformation: domain.StringPtr(err.Error()),
		}, nil
	}

	matched, ok := out.Value().(bool)
	if !ok {
		return domain.OracleAnswer{
			Answer:             domain.Unknown,
			Reason:             fmt.Sprintf("Rule %q did not evaluate to a boolean", expression),
			MissingInformation: domain.StringPtr(fmt.Sprintf("rule returned %v", out.Value())),
		}, nil
	}

	verdict := "not met"
	if matched {
		verdict = "met"
	}
	return domain.OracleAnswer{
		Answer:   domain.TriStateFromBool(matched),
		Reason:   fmt.Sprintf("Rule %q is %s by the structured facts", expression, verdict),
		Evidence: domain.StringPtr(expression),
	}, nil
}
