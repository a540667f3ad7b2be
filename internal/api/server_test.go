package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/prior-auth-server/internal/domain"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) RunPreAuthorization(ctx context.Context, doc domain.Document) (*domain.PreAuthorizationDecision, error) {
	args := m.Called(ctx, doc)
	if d := args.Get(0); d != nil {
		return d.(*domain.PreAuthorizationDecision), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockService) GetDecision(ctx context.Context, id string) (*domain.PreAuthorizationDecision, error) {
	args := m.Called(ctx, id)
	if d := args.Get(0); d != nil {
		return d.(*domain.PreAuthorizationDecision), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockService) GetGuidelines(ctx context.Context, code string) (*domain.GuidelineTree, error) {
	args := m.Called(ctx, code)
	if t := args.Get(0); t != nil {
		return t.(*domain.GuidelineTree), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Get(ctx context.Context, code string) (*domain.GuidelineTree, error) {
	args := m.Called(ctx, code)
	if t := args.Get(0); t != nil {
		return t.(*domain.GuidelineTree), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) Put(ctx context.Context, code string, tree *domain.GuidelineTree, overwrite bool) (string, error) {
	args := m.Called(ctx, code, tree, overwrite)
	return args.String(0), args.Error(1)
}

type mockIngester struct {
	mock.Mock
}

func (m *mockIngester) Ingest(ctx context.Context, code, raw string, overwrite bool) (string, *domain.GuidelineTree, error) {
	args := m.Called(ctx, code, raw, overwrite)
	if t := args.Get(1); t != nil {
		return args.String(0), t.(*domain.GuidelineTree), args.Error(2)
	}
	return args.String(0), nil, args.Error(2)
}

type testServer struct {
	svc      *mockService
	store    *mockStore
	ingester *mockIngester
	handler  http.Handler
}

func newTestServer(t *testing.T, mutate ...func(*Dependencies)) *testServer {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ts := &testServer{svc: &mockService{}, store: &mockStore{}, ingester: &mockIngester{}}
	deps := Dependencies{
		Service:    ts.svc,
		Guidelines: ts.store,
		Ingestion:  ts.ingester,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("prior_auth_pipeline_runs_total 1\n"))
		}),
		Logger: logger,
	}
	for _, m := range mutate {
		m(&deps)
	}

	cfg := domain.ServerConfig{RequestTimeout: time.Minute, MaxUploadBytes: 1 << 20}
	ts.handler = NewServer(cfg, deps).Handler()
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func lumbarTree() *domain.GuidelineTree {
	return &domain.GuidelineTree{
		ProcedureCode: "72148",
		TreatmentName: "MRI lumbar spine",
		RootOperator:  domain.AND,
		RootCriteria: []domain.Criterion{
			{ID: "1", Text: "Pain", Question: "Has pain persisted for 6 weeks?", Expression: "facts.pain_weeks > 6"},
		},
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestHealthUnhealthy(t *testing.T) {
	ts := newTestServer(t, func(d *Dependencies) {
		d.Health = func(context.Context) error { return errors.New("database unreachable") }
	})

	w := ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "database unreachable")
}

func TestMetrics(t *testing.T) {
	w := newTestServer(t).do(httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "prior_auth_pipeline_runs_total")
}

func TestRunPreAuthorizationRawBody(t *testing.T) {
	ts := newTestServer(t)
	decision := &domain.PreAuthorizationDecision{ID: "d-1", ProcedureCode: "72148", ExitReason: domain.PRIOR_TREATMENT_SUCCESSFUL}
	ts.svc.On("RunPreAuthorization", mock.Anything, mock.MatchedBy(func(doc domain.Document) bool {
		return doc.Name == "note.txt" && doc.ContentType == "text/plain" && string(doc.Content) == "58 y/o with back pain"
	})).Return(decision, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pre-authorizations?name=note.txt", strings.NewReader("58 y/o with back pain"))
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	w := ts.do(req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"id":"d-1"`)
	assert.Contains(t, w.Body.String(), `"guideline_criteria_results":[]`)
	ts.svc.AssertExpectations(t)
}

func TestRunPreAuthorizationMultipart(t *testing.T) {
	ts := newTestServer(t)
	ts.svc.On("RunPreAuthorization", mock.Anything, mock.MatchedBy(func(doc domain.Document) bool {
		return doc.Name == "record.md" && doc.ContentType == "text/markdown" &&
			string(doc.Content) == "# Note" && doc.Facts["age"] == float64(58)
	})).Return(&domain.PreAuthorizationDecision{ID: "d-2"}, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="record.md"`)
	header.Set("Content-Type", "text/markdown")
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, _ = part.Write([]byte("# Note"))
	require.NoError(t, mw.WriteField("facts", `{"age": 58}`))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pre-authorizations", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := ts.do(req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ts.svc.AssertExpectations(t)
}

func TestRunPreAuthorizationMultipartValidation(t *testing.T) {
	tests := []struct {
		name  string
		build func(mw *multipart.Writer)
	}{
		{"missing file", func(mw *multipart.Writer) {
			_ = mw.WriteField("facts", `{}`)
		}},
		{"invalid facts", func(mw *multipart.Writer) {
			part, _ := mw.CreateFormFile("file", "note.txt")
			_, _ = part.Write([]byte("text"))
			_ = mw.WriteField("facts", `[1, 2]`)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			var buf bytes.Buffer
			mw := multipart.NewWriter(&buf)
			tt.build(mw)
			require.NoError(t, mw.Close())

			req := httptest.NewRequest(http.MethodPost, "/api/v1/pre-authorizations", &buf)
			req.Header.Set("Content-Type", mw.FormDataContentType())
			w := ts.do(req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, string(domain.KindInvalidInput), decodeError(t, w).Code)
			ts.svc.AssertNotCalled(t, "RunPreAuthorization", mock.Anything, mock.Anything)
		})
	}
}

func TestRunPreAuthorizationTooLarge(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pre-authorizations", strings.NewReader(strings.Repeat("a", 2<<20)))
	req.Header.Set("Content-Type", "text/plain")
	w := ts.do(req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", decodeError(t, w).Code)
}

func TestRunPreAuthorizationErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{
			name:   "guidelines unavailable",
			err:    domain.NewPipelineError(domain.KindGuidelinesUnavailable, "guidelines for CPT code 99999 not available", domain.ErrNotFound).WithProcedureCode("99999"),
			status: http.StatusNotFound,
			code:   "GUIDELINES_UNAVAILABLE",
		},
		{
			name:   "no procedure code",
			err:    domain.NewPipelineError(domain.KindNoProcedureCodeFound, "no CPT code found", nil),
			status: http.StatusUnprocessableEntity,
			code:   "NO_PROCEDURE_CODE_FOUND",
		},
		{
			name:   "prior treatment check",
			err:    domain.NewPipelineError(domain.KindPriorTreatmentCheckFailed, "model unavailable", nil),
			status: http.StatusBadGateway,
			code:   "PRIOR_TREATMENT_CHECK_FAILED",
		},
		{
			name:   "deadline",
			err:    domain.NewPipelineError(domain.KindIndexingFailure, "cancelled", context.DeadlineExceeded),
			status: http.StatusGatewayTimeout,
			code:   "TIMEOUT",
		},
		{
			name:   "unclassified",
			err:    errors.New("boom"),
			status: http.StatusInternalServerError,
			code:   "INTERNAL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.svc.On("RunPreAuthorization", mock.Anything, mock.Anything).Return(nil, tt.err)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/pre-authorizations", strings.NewReader("record"))
			req.Header.Set("X-Request-ID", "req-42")
			w := ts.do(req)

			assert.Equal(t, tt.status, w.Code)
			body := decodeError(t, w)
			assert.Equal(t, tt.code, body.Code)
			assert.Equal(t, "req-42", body.RequestID)
			assert.NotContains(t, w.Body.String(), "boom")
		})
	}
}

func TestGetDecision(t *testing.T) {
	ts := newTestServer(t)
	ts.svc.On("GetDecision", mock.Anything, "d-1").Return(&domain.PreAuthorizationDecision{ID: "d-1", ProcedureCode: "72148"}, nil)
	ts.svc.On("GetDecision", mock.Anything, "missing").Return(nil, domain.ErrNotFound)

	w := ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/pre-authorizations/d-1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"cpt_code":"72148"`)

	w = ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/pre-authorizations/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, w).Code)
}

func TestGetGuidelines(t *testing.T) {
	ts := newTestServer(t)
	ts.svc.On("GetGuidelines", mock.Anything, "72148").Return(lumbarTree(), nil)

	w := ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/guidelines/72148", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"treatment":"MRI lumbar spine"`)
}

func TestPutGuidelines(t *testing.T) {
	ts := newTestServer(t)
	ts.store.On("Put", mock.Anything, "72148", mock.AnythingOfType("*domain.GuidelineTree"), true).Return("g-1", nil)

	body, err := json.Marshal(lumbarTree())
	require.NoError(t, err)
	w := ts.do(httptest.NewRequest(http.MethodPut, "/api/v1/guidelines/72148", bytes.NewReader(body)))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"id":"g-1"`)
	ts.store.AssertExpectations(t)
}

func TestPutGuidelinesValidation(t *testing.T) {
	malformed := lumbarTree()
	malformed.RootCriteria[0].Question = ""

	tests := []struct {
		name   string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"invalid code", "/api/v1/guidelines/MRI", &domain.GuidelineTree{RootOperator: domain.AND}, http.StatusBadRequest, "INVALID_INPUT"},
		{"mismatched code", "/api/v1/guidelines/73030", lumbarTree(), http.StatusBadRequest, "INVALID_INPUT"},
		{"malformed tree", "/api/v1/guidelines/72148", malformed, http.StatusUnprocessableEntity, "MALFORMED_TREE"},
		{"bad overwrite flag", "/api/v1/guidelines/72148?overwrite=maybe", lumbarTree(), http.StatusBadRequest, "INVALID_INPUT"},
		{"not json", "/api/v1/guidelines/72148", "just text", http.StatusBadRequest, "INVALID_INPUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			body, err := json.Marshal(tt.body)
			require.NoError(t, err)

			w := ts.do(httptest.NewRequest(http.MethodPut, tt.path, bytes.NewReader(body)))

			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decodeError(t, w).Code)
			ts.store.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestPutGuidelinesConflict(t *testing.T) {
	ts := newTestServer(t)
	ts.store.On("Put", mock.Anything, "72148", mock.Anything, false).Return("", domain.ErrAlreadyExists)

	body, _ := json.Marshal(lumbarTree())
	w := ts.do(httptest.NewRequest(http.MethodPut, "/api/v1/guidelines/72148?overwrite=false", bytes.NewReader(body)))

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ALREADY_EXISTS", decodeError(t, w).Code)
}

func TestIngestGuidelines(t *testing.T) {
	ts := newTestServer(t)
	ts.ingester.On("Ingest", mock.Anything, "72148", "• MRI, as demonstrated by ...", true).
		Return("g-7", lumbarTree(), nil)

	form := strings.NewReader("cpt_code=72148&overwrite=false&guidelines=%E2%80%A2+MRI%2C+as+demonstrated+by+...")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/guidelines", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := ts.do(req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"id":"g-7"`)
	ts.ingester.AssertExpectations(t)
}

func guidelineUpload(t *testing.T, filename, contentType string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("cpt_code", "73030"))
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, _ = part.Write(content)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/guidelines", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestIngestGuidelinesPDF(t *testing.T) {
	content, err := os.ReadFile(filepath.Join("testdata", "guidelines.pdf"))
	require.NoError(t, err)

	ts := newTestServer(t)
	ts.ingester.On("Ingest", mock.Anything, "73030", mock.MatchedBy(func(text string) bool {
		return strings.Contains(text, "• Xray, as demonstrated by at least one of these") &&
			strings.Contains(text, "Fell on hard surface") &&
			!strings.Contains(text, "Appendix")
	}), true).Return("g-8", lumbarTree(), nil)

	w := ts.do(guidelineUpload(t, "xray.pdf", "application/pdf", content))

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ts.ingester.AssertExpectations(t)
}

func TestIngestGuidelinesTextFile(t *testing.T) {
	ts := newTestServer(t)
	ts.ingester.On("Ingest", mock.Anything, "73030", "• Xray", true).Return("g-9", lumbarTree(), nil)

	w := ts.do(guidelineUpload(t, "xray.txt", "text/plain", []byte("• Xray")))

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ts.ingester.AssertExpectations(t)
}

func TestIngestGuidelinesUnreadablePDF(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(guidelineUpload(t, "xray.pdf", "application/pdf", []byte("%PDF-1.7 truncated")))

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"INDEXING_FAILURE"`)
	ts.ingester.AssertNotCalled(t, "Ingest", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestIngestGuidelinesRequiresText(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/guidelines", strings.NewReader("cpt_code=72148"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := ts.do(req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	ts.ingester.AssertNotCalled(t, "Ingest", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestIngestGuidelinesNotConfigured(t *testing.T) {
	ts := newTestServer(t, func(d *Dependencies) { d.Ingestion = nil })

	req := httptest.NewRequest(http.MethodPost, "/api/v1/guidelines", strings.NewReader("cpt_code=72148&guidelines=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := ts.do(req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}
