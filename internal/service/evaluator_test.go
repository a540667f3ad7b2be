package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prior-auth-server/internal/domain"
)

func resultIDs(results []domain.CriterionResult) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	return ids
}

func TestEvaluatorOperatorFolding(t *testing.T) {
	tests := []struct {
		name     string
		op       domain.Operator
		answers  []domain.TriState
		expected bool
	}{
		{"AND all true", domain.AND, []domain.TriState{domain.Met, domain.Met, domain.Met}, true},
		{"AND any false", domain.AND, []domain.TriState{domain.Met, domain.NotMet, domain.Met}, false},
		{"AND with unknown", domain.AND, []domain.TriState{domain.Met, domain.Unknown}, false},
		{"OR any true", domain.OR, []domain.TriState{domain.NotMet, domain.Met, domain.NotMet}, true},
		{"OR all false", domain.OR, []domain.TriState{domain.NotMet, domain.NotMet}, false},
		{"OR all unknown", domain.OR, []domain.TriState{domain.Unknown, domain.Unknown}, false},
		{"NONE folds as OR", domain.NONE, []domain.TriState{domain.NotMet, domain.Met}, true},
		{"NONE all false", domain.NONE, []domain.TriState{domain.NotMet, domain.NotMet}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oracle := newScriptedOracle()
			children := make([]domain.Criterion, len(tt.answers))
			for i, a := range tt.answers {
				q := fmt.Sprintf("question %d?", i)
				oracle.on(q, a)
				children[i] = leaf(fmt.Sprintf("1.%d", i+1), q)
			}

			evaluator := NewEvaluator(oracle, testLogger(), nil, 1)
			met, results, err := evaluator.Evaluate(context.Background(), children, tt.op, newFakeIndex())

			require.NoError(t, err)
			assert.Equal(t, tt.expected, met)
			assert.Len(t, results, len(tt.answers))
		})
	}
}

func TestEvaluatorEmptyChildren(t *testing.T) {
	oracle := newScriptedOracle()
	evaluator := NewEvaluator(oracle, testLogger(), nil, 1)

	for _, op := range []domain.Operator{domain.AND, domain.OR, domain.NONE} {
		met, results, err := evaluator.Evaluate(context.Background(), nil, op, newFakeIndex())
		require.NoError(t, err)
		assert.True(t, met)
		assert.NotNil(t, results)
		assert.Empty(t, results)
	}
	assert.Equal(t, 0, oracle.callCount())
}

func TestEvaluatorScenarioA(t *testing.T) {
	oracle := newScriptedOracle().on("true?", domain.Met).on("false?", domain.NotMet)
	evaluator := NewEvaluator(oracle, testLogger(), nil, 2)

	met, results, err := evaluator.Evaluate(context.Background(), []domain.Criterion{
		leaf("1", "true?"),
		leaf("2", "false?"),
	}, domain.AND, newFakeIndex())

	require.NoError(t, err)
	assert.False(t, met)
	require.Len(t, results, 2)
	assert.Equal(t, domain.Met, results[0].IsMet)
	assert.Equal(t, domain.NotMet, results[1].IsMet)
}

func TestEvaluatorScenarioB(t *testing.T) {
	oracle := newScriptedOracle().on("unknown?", domain.Unknown).on("true?", domain.Met)
	evaluator := NewEvaluator(oracle, testLogger(), nil, 2)

	met, results, err := evaluator.Evaluate(context.Background(), []domain.Criterion{
		leaf("1", "unknown?"),
		leaf("2", "true?"),
	}, domain.OR, newFakeIndex())

	require.NoError(t, err)
	assert.True(t, met)
	require.Len(t, results, 2)
	assert.Equal(t, domain.Unknown, results[0].IsMet, "unknown must be kept verbatim, not coerced to false")
	assert.Equal(t, domain.Met, results[1].IsMet)
}

func TestEvaluatorNoSiblingShortCircuit(t *testing.T) {
	oracle := newScriptedOracle().
		on("first?", domain.Met).
		on("second?", domain.NotMet).
		on("third?", domain.Met)
	evaluator := NewEvaluator(oracle, testLogger(), nil, 1)

	met, results, err := evaluator.Evaluate(context.Background(), []domain.Criterion{
		leaf("1", "first?"),
		leaf("2", "second?"),
		leaf("3", "third?"),
	}, domain.OR, newFakeIndex())

	require.NoError(t, err)
	assert.True(t, met)
	assert.Len(t, results, 3)
	assert.Equal(t, 3, oracle.callCount())
	assert.Equal(t, []string{"first?", "second?", "third?"}, oracle.calls)
}

func TestEvaluatorNestedPreOrder(t *testing.T) {
	oracle := newScriptedOracle().
		on("Has low back pain persisted for more than 6 weeks?", domain.Met).
		on("Has the patient completed physical therapy?", domain.Unknown).
		on("Is there a progressive neurological deficit?", domain.NotMet)
	evaluator := NewEvaluator(oracle, testLogger(), nil, 4)
	tree := lumbarMRITree()

	outcome, err := evaluator.EvaluateTree(context.Background(), tree, newFakeIndex())
	require.NoError(t, err)

	assert.False(t, outcome.OverallMet)
	assert.Len(t, outcome.NodeResults, tree.CountNodes())
	assert.Equal(t, []string{"1.1", "1.1.1", "1.1.2", "1.2"}, resultIDs(outcome.NodeResults))

	internal := outcome.NodeResults[0]
	assert.Equal(t, domain.NotMet, internal.IsMet)
	assert.Equal(t, "Not all sub-criteria are met", internal.Justification)
	assert.Nil(t, internal.Question)

	assert.Equal(t, domain.Unknown, outcome.NodeResults[2].IsMet)
	require.NotNil(t, outcome.NodeResults[2].Question)
	assert.Equal(t, "Has the patient completed physical therapy?", *outcome.NodeResults[2].Question)
}

func TestEvaluatorVisitsEveryNodeOnce(t *testing.T) {
	oracle := newScriptedOracle()
	var build func(prefix string, depth int) domain.Criterion
	build = func(prefix string, depth int) domain.Criterion {
		if depth == 0 {
			q := "q " + prefix + "?"
			oracle.on(q, domain.Met)
			return leaf(prefix, q)
		}
		op := domain.AND
		if depth%2 == 0 {
			op = domain.OR
		}
		return node(prefix, op, build(prefix+".1", depth-1), build(prefix+".2", depth-1), build(prefix+".3", depth-1))
	}
	tree := &domain.GuidelineTree{
		TreatmentName: "balanced",
		RootOperator:  domain.AND,
		RootCriteria:  []domain.Criterion{build("1", 3), build("2", 2)},
	}

	outcome, err := NewEvaluator(oracle, testLogger(), nil, 8).EvaluateTree(context.Background(), tree, newFakeIndex())
	require.NoError(t, err)

	assert.True(t, outcome.OverallMet)
	assert.Len(t, outcome.NodeResults, tree.CountNodes())
	assert.Equal(t, 27+9, oracle.callCount())

	seen := make(map[string]bool)
	for _, r := range outcome.NodeResults {
		assert.False(t, seen[r.ID], "node %s visited twice", r.ID)
		seen[r.ID] = true
	}
}

func TestEvaluatorDeterministicOrderUnderConcurrency(t *testing.T) {
	oracle := newScriptedOracle()
	children := make([]domain.Criterion, 12)
	for i := range children {
		q := fmt.Sprintf("question %02d?", i)
		oracle.on(q, domain.TriStateFromBool(i%3 != 0))
		children[i] = leaf(fmt.Sprintf("1.%d", i+1), q)
	}
	// Later questions finish first
	oracle.delay = func(q string) time.Duration {
		var n int
		fmt.Sscanf(q, "question %d?", &n)
		return time.Duration(12-n) * time.Millisecond
	}

	evaluator := NewEvaluator(oracle, testLogger(), nil, 12)
	_, results, err := evaluator.Evaluate(context.Background(), children, domain.OR, newFakeIndex())
	require.NoError(t, err)

	require.Len(t, results, 12)
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("1.%d", i+1), r.ID)
		assert.Equal(t, domain.TriStateFromBool(i%3 != 0), r.IsMet)
	}
}

func TestEvaluatorMalformedLeafFailsBeforeOracle(t *testing.T) {
	oracle := newScriptedOracle().on("first?", domain.Met)
	evaluator := NewEvaluator(oracle, testLogger(), nil, 1)

	_, _, err := evaluator.Evaluate(context.Background(), []domain.Criterion{
		leaf("1", "first?"),
		node("2", domain.AND, leaf("2.1", "")),
	}, domain.AND, newFakeIndex())

	require.Error(t, err)
	assert.True(t, domain.IsPipelineError(err, domain.KindMalformedTree))
	pe, _ := domain.AsPipelineError(err)
	assert.Equal(t, "2.1", pe.CriterionID)
	assert.Equal(t, 0, oracle.callCount())
}

func TestEvaluatorOracleErrorBecomesUnknown(t *testing.T) {
	oracle := newScriptedOracle().on("ok?", domain.Met)
	oracle.errs["broken?"] = errors.New("model timeout")
	evaluator := NewEvaluator(oracle, testLogger(), nil, 2)

	met, results, err := evaluator.Evaluate(context.Background(), []domain.Criterion{
		leaf("1", "broken?"),
		leaf("2", "ok?"),
	}, domain.AND, newFakeIndex())

	require.NoError(t, err)
	assert.False(t, met)
	require.Len(t, results, 2)
	assert.Equal(t, domain.Unknown, results[0].IsMet)
	require.NotNil(t, results[0].MissingInformation)
	assert.Contains(t, *results[0].MissingInformation, "model timeout")
}

// cancellingOracle cancels the evaluation context after its first answer
type cancellingOracle struct {
	*scriptedOracle
	cancel context.CancelFunc
}

func (o *cancellingOracle) Answer(ctx context.Context, q domain.Question, idx domain.QueryableIndex) (domain.OracleAnswer, error) {
	answer, err := o.scriptedOracle.Answer(ctx, q, idx)
	o.cancel()
	return answer, err
}

func TestEvaluatorStopsDispatchWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	oracle := &cancellingOracle{
		scriptedOracle: newScriptedOracle().on("a?", domain.Met).on("b?", domain.Met).on("c?", domain.Met),
		cancel:         cancel,
	}
	rec := &countingRecorder{answers: make(map[domain.TriState]int)}

	met, results, err := NewEvaluator(oracle, testLogger(), rec, 1).Evaluate(ctx, []domain.Criterion{
		leaf("1", "a?"),
		node("2", domain.OR, leaf("2.1", "b?"), leaf("2.2", "c?")),
	}, domain.AND, newFakeIndex())

	require.NoError(t, err, "the evaluation completes with unknown leaves")
	assert.False(t, met)
	assert.Equal(t, 1, oracle.callCount())
	assert.Equal(t, []string{"1", "2", "2.1", "2.2"}, resultIDs(results))

	assert.Equal(t, domain.Met, results[0].IsMet)
	assert.Equal(t, domain.Unknown, results[1].IsMet)
	for _, r := range results[2:] {
		assert.Equal(t, domain.Unknown, r.IsMet)
		require.NotNil(t, r.MissingInformation)
		assert.Contains(t, *r.MissingInformation, context.Canceled.Error())
	}
	assert.Equal(t, 1, rec.answers[domain.Met])
	assert.Equal(t, 2, rec.answers[domain.Unknown])
}

func TestEvaluatorDoesNotMutateTree(t *testing.T) {
	oracle := newScriptedOracle().
		on("Has low back pain persisted for more than 6 weeks?", domain.Met).
		on("Has the patient completed physical therapy?", domain.Met).
		on("Is there a progressive neurological deficit?", domain.Met)
	tree := lumbarMRITree()
	before := lumbarMRITree()

	_, err := NewEvaluator(oracle, testLogger(), nil, 3).EvaluateTree(context.Background(), tree, newFakeIndex())
	require.NoError(t, err)
	assert.Equal(t, before, tree)
}

type countingRecorder struct {
	nopRecorder
	answers map[domain.TriState]int
}

func (c *countingRecorder) ObserveAnswer(a domain.TriState) { c.answers[a]++ }

func TestEvaluatorRecordsAnswers(t *testing.T) {
	oracle := newScriptedOracle().on("a?", domain.Met).on("b?", domain.Unknown)
	rec := &countingRecorder{answers: make(map[domain.TriState]int)}

	_, _, err := NewEvaluator(oracle, testLogger(), rec, 1).Evaluate(context.Background(), []domain.Criterion{
		leaf("1", "a?"), leaf("2", "b?"),
	}, domain.AND, newFakeIndex())

	require.NoError(t, err)
	assert.Equal(t, 1, rec.answers[domain.Met])
	assert.Equal(t, 1, rec.answers[domain.Unknown])
}
