package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"

	"github.com/prior-auth-server/internal/domain"
	"github.com/prior-auth-server/pkg/external"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// scriptedOracle answers by question text and records the order of calls
type scriptedOracle struct {
	mu      sync.Mutex
	answers map[string]domain.OracleAnswer
	errs    map[string]error
	delay   func(q string) time.Duration
	calls   []string
}

func newScriptedOracle() *scriptedOracle {
	return &scriptedOracle{
		answers: make(map[string]domain.OracleAnswer),
		errs:    make(map[string]error),
	}
}

func (o *scriptedOracle) on(question string, answer domain.TriState) *scriptedOracle {
	o.answers[question] = domain.OracleAnswer{Answer: answer, Reason: "scripted " + answer.String()}
	return o
}

func (o *scriptedOracle) Answer(ctx context.Context, q domain.Question, idx domain.QueryableIndex) (domain.OracleAnswer, error) {
	if o.delay != nil {
		time.Sleep(o.delay(q.Text))
	}
	o.mu.Lock()
	o.calls = append(o.calls, q.Text)
	o.mu.Unlock()

	if err, ok := o.errs[q.Text]; ok {
		return domain.OracleAnswer{}, err
	}
	if a, ok := o.answers[q.Text]; ok {
		return a, nil
	}
	return domain.OracleAnswer{}, errors.New("unscripted question")
}

func (o *scriptedOracle) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

// fakeIndex returns canned JSON responses keyed by the query prompt
type fakeIndex struct {
	mu        sync.Mutex
	responses map[string]interface{}
	errs      map[string]error
	queries   []string
	facts     map[string]interface{}
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		responses: make(map[string]interface{}),
		errs:      make(map[string]error),
	}
}

func (f *fakeIndex) Query(ctx context.Context, question string, out interface{}) error {
	f.mu.Lock()
	f.queries = append(f.queries, question)
	f.mu.Unlock()

	if err, ok := f.errs[question]; ok {
		return err
	}
	resp, ok := f.responses[question]
	if !ok {
		return errors.New("unexpected query")
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (f *fakeIndex) Facts() map[string]interface{} { return f.facts }
func (f *fakeIndex) Fingerprint() string           { return "fake-fingerprint" }

func (f *fakeIndex) queried(question string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.queries {
		if q == question {
			return true
		}
	}
	return false
}

type fakeIndexer struct {
	idx *fakeIndex
	err error
}

func (f *fakeIndexer) Index(ctx context.Context, doc domain.Document) (domain.QueryableIndex, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.idx, nil
}

// MockGuidelineStore is a mock implementation of domain.GuidelineStore
type MockGuidelineStore struct {
	mock.Mock
}

func (m *MockGuidelineStore) Get(ctx context.Context, code string) (*domain.GuidelineTree, error) {
	args := m.Called(ctx, code)
	if tree := args.Get(0); tree != nil {
		return tree.(*domain.GuidelineTree), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockGuidelineStore) Put(ctx context.Context, code string, tree *domain.GuidelineTree, overwrite bool) (string, error) {
	args := m.Called(ctx, code, tree, overwrite)
	return args.String(0), args.Error(1)
}

// MockDecisionStore is a mock implementation of domain.DecisionStore
type MockDecisionStore struct {
	mock.Mock
}

func (m *MockDecisionStore) Put(ctx context.Context, decision *domain.PreAuthorizationDecision) (string, error) {
	args := m.Called(ctx, decision)
	return args.String(0), args.Error(1)
}

func (m *MockDecisionStore) Get(ctx context.Context, id string) (*domain.PreAuthorizationDecision, error) {
	args := m.Called(ctx, id)
	if d := args.Get(0); d != nil {
		return d.(*domain.PreAuthorizationDecision), args.Error(1)
	}
	return nil, args.Error(1)
}

// scriptedLLM returns its responses in order
type scriptedLLM struct {
	mu        sync.Mutex
	responses []string
	err       error
	requests  []external.CompletionRequest
}

func (s *scriptedLLM) Complete(ctx context.Context, req external.CompletionRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return "", s.err
	}
	if len(s.responses) == 0 {
		return "", errors.New("no scripted response")
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func leaf(id, question string) domain.Criterion {
	return domain.Criterion{ID: id, Text: "criterion " + id, Question: question}
}

func node(id string, op domain.Operator, children ...domain.Criterion) domain.Criterion {
	return domain.Criterion{ID: id, Text: "criterion " + id, Children: children, ChildrenOperator: op}
}

func lumbarMRITree() *domain.GuidelineTree {
	return &domain.GuidelineTree{
		ProcedureCode:  "72148",
		TreatmentName:  "MRI lumbar spine",
		GuidelinesText: "1. MRI lumbar spine, as indicated by 1 or more of the following: ...",
		RootOperator:   domain.OR,
		RootCriteria: []domain.Criterion{
			node("1.1", domain.AND,
				leaf("1.1.1", "Has low back pain persisted for more than 6 weeks?"),
				leaf("1.1.2", "Has the patient completed physical therapy?"),
			),
			leaf("1.2", "Is there a progressive neurological deficit?"),
		},
	}
}
