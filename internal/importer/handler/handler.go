// Package handler exposes the import engine over REST. Handlers stay thin:
// decode the request, delegate to the job or review service, translate the
// returned error to a status code. Owner identity comes from middleware.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/duartevn/coinflow/internal/importer/job"
	"github.com/duartevn/coinflow/internal/importer/model"
	"github.com/duartevn/coinflow/internal/importer/repository"
	"github.com/duartevn/coinflow/internal/importer/review"
)

const defaultPageSize = 50

// Handler wires the import and review services into a chi router.
type Handler struct {
	jobs   *job.Service
	review *review.Service
	store  repository.TemplateStore
	logger *slog.Logger
}

func NewHandler(jobs *job.Service, rev *review.Service, store repository.TemplateStore, logger *slog.Logger) *Handler {
	return &Handler{jobs: jobs, review: rev, store: store, logger: logger}
}

// Routes builds the /imports subtree. The caller mounts it wherever the API
// lives and decides which middleware stack surrounds it.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequireOwner)

	r.Post("/", h.createImport)
	r.Get("/", h.listImports)
	r.Post("/analyze", h.analyzeFile)

	r.Route("/templates", func(r chi.Router) {
		r.Get("/", h.listTemplates)
		r.Post("/", h.saveTemplate)
		r.Delete("/{templateID}", h.deleteTemplate)
	})

	r.Route("/{jobID}", func(r chi.Router) {
		r.Get("/", h.getImport)
		r.Post("/validate", h.validateImport)
		r.Post("/start", h.startImport)
		r.Post("/cancel", h.cancelImport)
		r.Post("/retry", h.retryImport)
		r.Get("/validations", h.listValidations)

		r.Route("/rows", func(r chi.Router) {
			r.Get("/", h.listRows)
			r.Post("/approve", h.bulkReview(review.ActionApprove))
			r.Post("/reject", h.bulkReview(review.ActionReject))
			r.Route("/{rowID}", func(r chi.Router) {
				r.Post("/approve", h.approveRow)
				r.Post("/reject", h.rejectRow)
				r.Post("/recategorize", h.recategorizeRow)
			})
		})
	})

	return r
}

func (h *Handler) createImport(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r.Context())

	up, err := h.uploadFromRequest(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	created, validations, err := h.jobs.Create(r.Context(), owner, *up)
	if errors.Is(err, job.ErrFileRejected) {
		h.writeJSON(w, r, http.StatusUnprocessableEntity, rejectionResponse{
			Error:       "uploaded file failed validation",
			Validations: viewValidations(validations),
		})
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSON(w, r, http.StatusAccepted, createResponse{
		Job:         viewJob(created),
		Validations: viewValidations(validations),
	})
}

func (h *Handler) analyzeFile(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r.Context())

	filename, contentType, data, err := h.fileFromRequest(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	an, err := h.jobs.Analyze(r.Context(), owner, filename, contentType, data)
	if errors.Is(err, job.ErrFileRejected) {
		h.writeJSON(w, r, http.StatusUnprocessableEntity, an)
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, an)
}

func (h *Handler) getImport(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r.Context())
	jobID, ok := h.pathID(w, r, "jobID")
	if !ok {
		return
	}

	j, err := h.jobs.Job(r.Context(), owner, jobID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, viewJob(j))
}

func (h *Handler) listImports(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r.Context())
	limit, offset := pagination(r)

	jobs, err := h.jobs.Jobs(r.Context(), owner, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	out := make([]jobView, 0, len(jobs))
	for i := range jobs {
		out = append(out, viewJob(&jobs[i]))
	}
	h.writeJSON(w, r, http.StatusOK, listResponse[jobView]{Items: out, Count: len(out)})
}

// validateRequest carries the optional corrected mapping and settings a user
// submits after reviewing the analyze result.
type validateRequest struct {
	Mapping  *model.ColumnMapping `json:"mapping,omitempty"`
	Settings *model.JobSettings   `json:"settings,omitempty"`
}

func (h *Handler) validateImport(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r.Context())
	jobID, ok := h.pathID(w, r, "jobID")
	if !ok {
		return
	}

	var req validateRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	j, err := h.jobs.Validate(r.Context(), owner, jobID, req.Mapping, req.Settings)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusAccepted, viewJob(j))
}

func (h *Handler) startImport(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, h.jobs.Start, http.StatusAccepted)
}

func (h *Handler) cancelImport(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, h.jobs.Cancel, http.StatusOK)
}

func (h *Handler) retryImport(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, h.jobs.Retry, http.StatusAccepted)
}

func (h *Handler) jobAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, owner, jobID uuid.UUID) (*model.ImportJob, error), status int) {
	owner := ownerID(r.Context())
	jobID, ok := h.pathID(w, r, "jobID")
	if !ok {
		return
	}

	j, err := fn(r.Context(), owner, jobID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, status, viewJob(j))
}

func (h *Handler) listRows(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r.Context())
	jobID, ok := h.pathID(w, r, "jobID")
	if !ok {
		return
	}

	limit, offset := pagination(r)
	filter := repository.RowFilter{
		Status: model.RowStatus(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	}
	if v := r.URL.Query().Get("duplicates"); v != "" {
		dup, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, "duplicates must be true or false")
			return
		}
		filter.Duplicates = &dup
	}

	rows, err := h.jobs.Rows(r.Context(), owner, jobID, filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	out := make([]rowView, 0, len(rows))
	for i := range rows {
		out = append(out, viewRow(&rows[i]))
	}
	h.writeJSON(w, r, http.StatusOK, listResponse[rowView]{Items: out, Count: len(out)})
}

func (h *Handler) listValidations(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r.Context())
	jobID, ok := h.pathID(w, r, "jobID")
	if !ok {
		return
	}

	vs, err := h.jobs.Validations(r.Context(), owner, jobID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, listResponse[validationView]{Items: viewValidations(vs), Count: len(vs)})
}

func (h *Handler) approveRow(w http.ResponseWriter, r *http.Request) {
	h.rowAction(w, r, h.review.Approve)
}

func (h *Handler) rejectRow(w http.ResponseWriter, r *http.Request) {
	h.rowAction(w, r, h.review.Reject)
}

func (h *Handler) rowAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, owner, rowID uuid.UUID) (*model.ImportedTransactionRow, error)) {
	owner := ownerID(r.Context())
	rowID, ok := h.pathID(w, r, "rowID")
	if !ok {
		return
	}

	row, err := fn(r.Context(), owner, rowID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, viewRow(row))
}

type recategorizeRequest struct {
	Category string `json:"category"`
}

func (h *Handler) recategorizeRow(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r.Context())
	rowID, ok := h.pathID(w, r, "rowID")
	if !ok {
		return
	}

	var req recategorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Category == "" {
		h.writeError(w, r, http.StatusBadRequest, "category is required")
		return
	}

	row, err := h.review.Recategorize(r.Context(), owner, rowID, req.Category)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, viewRow(row))
}

type bulkRequest struct {
	RowIDs []uuid.UUID `json:"row_ids"`
}

func (h *Handler) bulkReview(action review.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := ownerID(r.Context())

		var req bulkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(req.RowIDs) == 0 {
			h.writeError(w, r, http.StatusBadRequest, "row_ids must not be empty")
			return
		}

		res, err := h.review.Bulk(r.Context(), owner, action, req.RowIDs)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		h.writeJSON(w, r, http.StatusOK, viewBulkResult(res))
	}
}

func (h *Handler) listTemplates(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r.Context())

	ts, err := h.store.ListTemplates(r.Context(), owner)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]templateView, 0, len(ts))
	for i := range ts {
		out = append(out, viewTemplate(&ts[i]))
	}
	h.writeJSON(w, r, http.StatusOK, listResponse[templateView]{Items: out, Count: len(out)})
}

type templateRequest struct {
	Name        string              `json:"name"`
	FileType    model.FileType      `json:"file_type"`
	Fingerprint string              `json:"fingerprint"`
	Mapping     model.ColumnMapping `json:"mapping"`
	Settings    model.JobSettings   `json:"settings"`
}

func (h *Handler) saveTemplate(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r.Context())

	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Fingerprint == "" {
		h.writeError(w, r, http.StatusBadRequest, "name and fingerprint are required")
		return
	}

	now := time.Now().UTC()
	t := &model.ImportTemplate{
		ID:          uuid.New(),
		OwnerID:     owner,
		Name:        req.Name,
		FileType:    req.FileType,
		Fingerprint: req.Fingerprint,
		Mapping:     req.Mapping,
		Settings:    req.Settings,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.store.SaveTemplate(r.Context(), t); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, viewTemplate(t))
}

func (h *Handler) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r.Context())
	templateID, ok := h.pathID(w, r, "templateID")
	if !ok {
		return
	}

	if err := h.store.DeleteTemplate(r.Context(), owner, templateID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// uploadFromRequest decodes the multipart create request: the file plus
// optional mapping, settings and template_id fields.
func (h *Handler) uploadFromRequest(r *http.Request) (*job.Upload, error) {
	filename, contentType, data, err := h.fileFromRequest(r)
	if err != nil {
		return nil, err
	}

	up := job.Upload{Filename: filename, ContentType: contentType, Data: data}

	if raw := r.FormValue("mapping"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &up.Mapping); err != nil {
			return nil, errors.New("mapping field is not valid JSON")
		}
	}
	if raw := r.FormValue("settings"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &up.Settings); err != nil {
			return nil, errors.New("settings field is not valid JSON")
		}
	}
	if raw := r.FormValue("template_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, errors.New("template_id is not a valid uuid")
		}
		up.TemplateID = &id
	}
	return &up, nil
}

func (h *Handler) fileFromRequest(r *http.Request) (filename, contentType string, data []byte, err error) {
	if err := r.ParseMultipartForm(model.MaxFileSizeBytes); err != nil {
		return "", "", nil, errors.New("request is not valid multipart or exceeds the size limit")
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", "", nil, errors.New("missing file field")
	}
	defer file.Close()

	if header.Size > model.MaxFileSizeBytes {
		return "", "", nil, errors.New("file exceeds the 50 MB limit")
	}
	data, err = io.ReadAll(io.LimitReader(file, model.MaxFileSizeBytes+1))
	if err != nil {
		return "", "", nil, errors.New("could not read uploaded file")
	}
	if len(data) > model.MaxFileSizeBytes {
		return "", "", nil, errors.New("file exceeds the 50 MB limit")
	}
	return header.Filename, header.Header.Get("Content-Type"), data, nil
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, param+" is not a valid uuid")
		return uuid.Nil, false
	}
	return id, true
}

func pagination(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	if perPage <= 0 || perPage > 500 {
		perPage = defaultPageSize
	}
	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	return perPage, (page - 1) * perPage
}
