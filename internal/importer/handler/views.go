package handler

import (
	"time"

	"github.com/google/uuid"

	"github.com/duartevn/coinflow/internal/importer/model"
	"github.com/duartevn/coinflow/internal/importer/review"
)

// The view types are the wire shapes of the API. Domain structs never go out
// raw so the JSON contract survives internal refactors.

type listResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

type createResponse struct {
	Job         jobView          `json:"job"`
	Validations []validationView `json:"validations,omitempty"`
}

type rejectionResponse struct {
	Error       string           `json:"error"`
	Validations []validationView `json:"validations"`
}

type jobView struct {
	ID          uuid.UUID      `json:"id"`
	Filename    string         `json:"filename"`
	FileType    model.FileType `json:"file_type"`
	SizeBytes   int64          `json:"size_bytes"`
	ContentHash string         `json:"content_hash"`

	Status      model.JobStatus `json:"status"`
	ProgressPct float64         `json:"progress_pct"`

	TotalRows     int     `json:"total_rows"`
	ProcessedRows int     `json:"processed_rows"`
	SucceededRows int     `json:"succeeded_rows"`
	FailedRows    int     `json:"failed_rows"`
	DuplicateRows int     `json:"duplicate_rows"`
	SuccessRate   float64 `json:"success_rate"`

	Mapping    model.ColumnMapping `json:"mapping"`
	TemplateID *uuid.UUID          `json:"template_id,omitempty"`
	Settings   model.JobSettings   `json:"settings"`

	Attempt int                `json:"attempt"`
	Error   *model.ErrorDetail `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func viewJob(j *model.ImportJob) jobView {
	return jobView{
		ID:            j.ID,
		Filename:      j.Filename,
		FileType:      j.FileType,
		SizeBytes:     j.SizeBytes,
		ContentHash:   j.ContentHash,
		Status:        j.Status,
		ProgressPct:   j.ProgressPct,
		TotalRows:     j.TotalRows,
		ProcessedRows: j.ProcessedRows,
		SucceededRows: j.SucceededRows,
		FailedRows:    j.FailedRows,
		DuplicateRows: j.DuplicateRows,
		SuccessRate:   j.SuccessRate(),
		Mapping:       j.Mapping,
		TemplateID:    j.TemplateID,
		Settings:      j.Settings,
		Attempt:       j.Attempt,
		Error:         j.ErrorDetail,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
	}
}

type canonicalView struct {
	Date        time.Time       `json:"date"`
	Description string          `json:"description"`
	AmountCents int64           `json:"amount_cents"`
	Currency    string          `json:"currency"`
	AccountHint string          `json:"account_hint,omitempty"`
	Direction   model.Direction `json:"direction"`
	RawCategory string          `json:"raw_category,omitempty"`
}

type rowView struct {
	ID        uuid.UUID `json:"id"`
	JobID     uuid.UUID `json:"job_id"`
	RowNumber int       `json:"row_number"`

	Raw       map[string]string `json:"raw"`
	Canonical *canonicalView    `json:"canonical,omitempty"`

	Category        string     `json:"category,omitempty"`
	Confidence      float64    `json:"confidence"`
	AutoCategorized bool       `json:"auto_categorized"`
	ModelVersionID  *uuid.UUID `json:"model_version_id,omitempty"`

	Duplicate   bool       `json:"duplicate"`
	DuplicateOf *uuid.UUID `json:"duplicate_of,omitempty"`

	Status        model.RowStatus `json:"status"`
	TransactionID *string         `json:"transaction_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func viewRow(row *model.ImportedTransactionRow) rowView {
	v := rowView{
		ID:              row.ID,
		JobID:           row.JobID,
		RowNumber:       row.RowNumber,
		Raw:             row.Raw,
		Category:        row.Category,
		Confidence:      row.Confidence,
		AutoCategorized: row.AutoCategorized,
		ModelVersionID:  row.ModelVersionID,
		Duplicate:       row.Duplicate,
		DuplicateOf:     row.DuplicateOf,
		Status:          row.Status,
		TransactionID:   row.TransactionID,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
	if c := row.Canonical; c != nil {
		v.Canonical = &canonicalView{
			Date:        c.Date,
			Description: c.Description,
			AmountCents: c.AmountCents,
			Currency:    c.Currency,
			AccountHint: c.AccountHint,
			Direction:   c.Direction,
			RawCategory: c.RawCategory,
		}
	}
	return v
}

type validationView struct {
	ID         uuid.UUID      `json:"id"`
	RowNumber  *int           `json:"row_number,omitempty"`
	Severity   model.Severity `json:"severity"`
	Field      string         `json:"field,omitempty"`
	Message    string         `json:"message"`
	Suggestion string         `json:"suggestion,omitempty"`
	Resolved   bool           `json:"resolved"`
	CreatedAt  time.Time      `json:"created_at"`
}

func viewValidations(vs []model.ImportValidation) []validationView {
	out := make([]validationView, 0, len(vs))
	for _, v := range vs {
		out = append(out, validationView{
			ID:         v.ID,
			RowNumber:  v.RowNumber,
			Severity:   v.Severity,
			Field:      v.Field,
			Message:    v.Message,
			Suggestion: v.Suggestion,
			Resolved:   v.Resolved,
			CreatedAt:  v.CreatedAt,
		})
	}
	return out
}

type templateView struct {
	ID          uuid.UUID           `json:"id"`
	Name        string              `json:"name"`
	FileType    model.FileType      `json:"file_type"`
	Fingerprint string              `json:"fingerprint"`
	Mapping     model.ColumnMapping `json:"mapping"`
	Settings    model.JobSettings   `json:"settings"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

func viewTemplate(t *model.ImportTemplate) templateView {
	return templateView{
		ID:          t.ID,
		Name:        t.Name,
		FileType:    t.FileType,
		Fingerprint: t.Fingerprint,
		Mapping:     t.Mapping,
		Settings:    t.Settings,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

type bulkView struct {
	Succeeded int               `json:"succeeded"`
	Failed    map[string]string `json:"failed,omitempty"`
}

func viewBulkResult(res *review.BulkResult) bulkView {
	v := bulkView{Succeeded: res.Succeeded}
	if len(res.Failed) > 0 {
		v.Failed = make(map[string]string, len(res.Failed))
		for id, msg := range res.Failed {
			v.Failed[id.String()] = msg
		}
	}
	return v
}
