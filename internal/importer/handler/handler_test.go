package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duartevn/coinflow/internal/importer/job"
	"github.com/duartevn/coinflow/internal/importer/model"
	"github.com/duartevn/coinflow/internal/importer/repository"
	"github.com/duartevn/coinflow/internal/importer/review"
	"github.com/duartevn/coinflow/internal/queue"
	"github.com/duartevn/coinflow/pkg/storage"
)

const sampleCSV = `Date,Description,Amount
2025-03-01,STARBUCKS COFFEE 123,-4.50
2025-03-02,NETFLIX.COM,-15.99
2025-03-03,SALARY ACME CORP,2500.00
`

type capturePublisher struct {
	tasks []queue.Task
}

func (p *capturePublisher) Publish(_ context.Context, t queue.Task) error {
	p.tasks = append(p.tasks, t)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

type fakeLedger struct {
	calls int
}

func (f *fakeLedger) CreateTransaction(_ context.Context, row *model.ImportedTransactionRow) (string, error) {
	f.calls++
	return "txn-" + row.ID.String(), nil
}

type testAPI struct {
	router http.Handler
	store  *repository.Memory
	jobs   *job.Service
	pub    *capturePublisher
	ledger *fakeLedger
	owner  uuid.UUID
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := repository.NewMemory()
	files, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	pub := &capturePublisher{}
	ledger := &fakeLedger{}
	jobs := job.NewService(store, files, pub, logger)
	rev := review.NewService(store, ledger, logger)

	return &testAPI{
		router: NewHandler(jobs, rev, store, logger).Routes(),
		store:  store,
		jobs:   jobs,
		pub:    pub,
		ledger: ledger,
		owner:  uuid.New(),
	}
}

func (a *testAPI) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set(OwnerHeader, a.owner.String())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) doJSON(t *testing.T, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(b)
	}
	return a.do(t, method, path, body, "application/json")
}

func multipartBody(t *testing.T, filename string, data []byte, fields map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

// runLast drains the most recently published task through the worker path,
// the same thing the queue consumer does in production.
func (a *testAPI) runLast(t *testing.T, ctx context.Context) {
	t.Helper()
	require.NotEmpty(t, a.pub.tasks)
	require.NoError(t, a.jobs.Handle(ctx, a.pub.tasks[len(a.pub.tasks)-1]))
}

func (a *testAPI) createImport(t *testing.T, fields map[string]string) jobView {
	t.Helper()
	body, ct := multipartBody(t, "statement.csv", []byte(sampleCSV), fields)
	rec := a.do(t, http.MethodPost, "/", body, ct)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	return decode[createResponse](t, rec).Job
}

func TestRequiresOwnerHeader(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(OwnerHeader, "not-a-uuid")
	rec = httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateAndGetImport(t *testing.T) {
	api := newTestAPI(t)

	mapping, _ := json.Marshal(model.ColumnMapping{Date: "Date", Description: "Description", Amount: "Amount"})
	created := api.createImport(t, map[string]string{"mapping": string(mapping)})
	assert.Equal(t, model.JobPending, created.Status)
	assert.Equal(t, model.FileTypeCSV, created.FileType)
	assert.Equal(t, "statement.csv", created.Filename)
	assert.NotEmpty(t, created.ContentHash)

	rec := api.do(t, http.MethodGet, "/"+created.ID.String(), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[jobView](t, rec)
	assert.Equal(t, created.ID, got.ID)

	rec = api.do(t, http.MethodGet, "/", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[listResponse[jobView]](t, rec)
	assert.Equal(t, 1, list.Count)
}

func TestCreateRejectsBadFile(t *testing.T) {
	api := newTestAPI(t)

	body, ct := multipartBody(t, "malware.csv", []byte("MZ\x90\x00binary"), nil)
	rec := api.do(t, http.MethodPost, "/", body, ct)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rej := decode[rejectionResponse](t, rec)
	assert.NotEmpty(t, rej.Validations)
}

// revokedImports denies the import capability for every owner.
type revokedImports struct{}

func (revokedImports) MayImport(context.Context, uuid.UUID) error { return model.ErrForbidden }

func TestCreateForbiddenByGate(t *testing.T) {
	api := newTestAPI(t)
	api.jobs.WithGate(revokedImports{})

	body, ct := multipartBody(t, "statement.csv", []byte(sampleCSV), nil)
	rec := api.do(t, http.MethodPost, "/", body, ct)
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
}

func TestCreateMissingFile(t *testing.T) {
	api := newTestAPI(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("mapping", "{}"))
	require.NoError(t, mw.Close())

	rec := api.do(t, http.MethodPost, "/", &buf, mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyzeFile(t *testing.T) {
	api := newTestAPI(t)

	body, ct := multipartBody(t, "statement.csv", []byte(sampleCSV), nil)
	rec := api.do(t, http.MethodPost, "/analyze", body, ct)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	an := decode[job.Analysis](t, rec)
	assert.Equal(t, model.FileTypeCSV, an.FileType)
	assert.Equal(t, []string{"Date", "Description", "Amount"}, an.Headers)
	assert.Equal(t, "Date", an.Suggested.Date)
	assert.Len(t, an.Preview, 3)
}

func TestLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	mapping, _ := json.Marshal(model.ColumnMapping{Date: "Date", Description: "Description", Amount: "Amount"})
	created := api.createImport(t, map[string]string{"mapping": string(mapping)})
	jobPath := "/" + created.ID.String()

	// Starting before validation is a state machine violation.
	rec := api.doJSON(t, http.MethodPost, jobPath+"/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.doJSON(t, http.MethodPost, jobPath+"/validate", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	api.runLast(t, ctx)

	rec = api.do(t, http.MethodGet, jobPath, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.JobValidated, decode[jobView](t, rec).Status)
	assert.Equal(t, 3, decode[jobView](t, rec).TotalRows)

	rec = api.doJSON(t, http.MethodPost, jobPath+"/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	api.runLast(t, ctx)

	rec = api.do(t, http.MethodGet, jobPath, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	finished := decode[jobView](t, rec)
	assert.Equal(t, model.JobCompleted, finished.Status)
	assert.Equal(t, 3, finished.SucceededRows)
	assert.InDelta(t, 1.0, finished.SuccessRate, 0.001)

	rec = api.do(t, http.MethodGet, jobPath+"/rows", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decode[listResponse[rowView]](t, rec)
	require.Equal(t, 3, rows.Count)
	require.NotNil(t, rows.Items[0].Canonical)

	// Approve a single row, then bulk-approve the rest.
	first := rows.Items[0]
	rec = api.doJSON(t, http.MethodPost, fmt.Sprintf("%s/rows/%s/approve", jobPath, first.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decode[rowView](t, rec)
	assert.Equal(t, model.RowApproved, approved.Status)
	require.NotNil(t, approved.TransactionID)

	rest := bulkRequest{RowIDs: []uuid.UUID{rows.Items[1].ID, rows.Items[2].ID}}
	rec = api.doJSON(t, http.MethodPost, jobPath+"/rows/approve", rest)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bulk := decode[bulkView](t, rec)
	assert.Equal(t, 2, bulk.Succeeded)
	assert.Empty(t, bulk.Failed)
	assert.Equal(t, 3, api.ledger.calls)
}

func TestRecategorizeRow(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	mapping, _ := json.Marshal(model.ColumnMapping{Date: "Date", Description: "Description", Amount: "Amount"})
	created := api.createImport(t, map[string]string{"mapping": string(mapping)})
	jobPath := "/" + created.ID.String()
	require.Equal(t, http.StatusAccepted, api.doJSON(t, http.MethodPost, jobPath+"/validate", nil).Code)
	api.runLast(t, ctx)
	require.Equal(t, http.StatusAccepted, api.doJSON(t, http.MethodPost, jobPath+"/start", nil).Code)
	api.runLast(t, ctx)

	rows := decode[listResponse[rowView]](t, api.do(t, http.MethodGet, jobPath+"/rows", nil, ""))
	require.NotEmpty(t, rows.Items)

	target := rows.Items[0]
	rec := api.doJSON(t, http.MethodPost, fmt.Sprintf("%s/rows/%s/recategorize", jobPath, target.ID), recategorizeRequest{Category: "coffee"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[rowView](t, rec)
	assert.Equal(t, "coffee", got.Category)
	assert.InDelta(t, 1.0, got.Confidence, 0.001)
	assert.False(t, got.AutoCategorized)

	rec = api.doJSON(t, http.MethodPost, fmt.Sprintf("%s/rows/%s/recategorize", jobPath, target.ID), recategorizeRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRowFilterValidation(t *testing.T) {
	api := newTestAPI(t)
	id := uuid.New()

	rec := api.do(t, http.MethodGet, "/"+id.String()+"/rows?duplicates=maybe", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodGet, "/not-a-uuid/rows", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodGet, "/"+id.String(), nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTemplateCRUD(t *testing.T) {
	api := newTestAPI(t)

	req := templateRequest{
		Name:        "my bank",
		FileType:    model.FileTypeCSV,
		Fingerprint: "abc123",
		Mapping:     model.ColumnMapping{Date: "Datum", Description: "Omschrijving", Amount: "Bedrag"},
	}
	rec := api.doJSON(t, http.MethodPost, "/templates", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[templateView](t, rec)
	assert.Equal(t, "my bank", created.Name)

	rec = api.do(t, http.MethodGet, "/templates", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[listResponse[templateView]](t, rec).Count)

	rec = api.doJSON(t, http.MethodDelete, "/templates/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.doJSON(t, http.MethodDelete, "/templates/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.doJSON(t, http.MethodPost, "/templates", templateRequest{Name: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
