// Package repository persists import jobs, rows, validations, templates,
// classifier model versions and the training queue. The Postgres
// implementation is the production one; the memory implementation backs tests
// and single-node development.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/duartevn/coinflow/internal/importer/dedupe"
	"github.com/duartevn/coinflow/internal/importer/model"
)

// RowFilter narrows row listings for the review surface.
type RowFilter struct {
	Status     model.RowStatus // empty = all
	Duplicates *bool           // nil = all
	Limit      int
	Offset     int
}

// JobStore manages import job records. Status moves only through
// TransitionJob so the state machine stays monotonic even with a crashed
// worker retrying.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.ImportJob) error
	GetJob(ctx context.Context, ownerID, jobID uuid.UUID) (*model.ImportJob, error)
	ListJobs(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]model.ImportJob, error)

	// TransitionJob atomically moves a job from one status to another and
	// returns model.ErrWrongStatus when the job left `from` in the meantime.
	TransitionJob(ctx context.Context, jobID uuid.UUID, from, to model.JobStatus, update func(*model.ImportJob)) error

	// UpdateJobProgress persists counters and checkpoint mid-run.
	UpdateJobProgress(ctx context.Context, job *model.ImportJob) error

	// UpdateJobMapping replaces the column mapping and settings of a job that
	// has not started validating yet. ErrWrongStatus past PENDING.
	UpdateJobMapping(ctx context.Context, ownerID, jobID uuid.UUID, mapping model.ColumnMapping, settings model.JobSettings) error

	// RequestCancel sets the cooperative cancel flag.
	RequestCancel(ctx context.Context, ownerID, jobID uuid.UUID) (*model.ImportJob, error)

	// AcquireJobLease takes the single-writer lock for a job. Returns
	// model.ErrJobLocked when another worker holds it. The release func is
	// safe to call more than once.
	AcquireJobLease(ctx context.Context, jobID uuid.UUID) (release func(), err error)
}

// RowStore manages the per-job extracted rows.
type RowStore interface {
	InsertRows(ctx context.Context, rows []*model.ImportedTransactionRow) error
	GetRow(ctx context.Context, ownerID, rowID uuid.UUID) (*model.ImportedTransactionRow, error)
	ListRows(ctx context.Context, ownerID, jobID uuid.UUID, f RowFilter) ([]model.ImportedTransactionRow, error)
	UpdateRow(ctx context.Context, row *model.ImportedTransactionRow) error

	// DeleteRowsFromChunk removes rows at or past the chunk boundary,
	// used when a crashed chunk is replayed from the checkpoint.
	DeleteRowsFromChunk(ctx context.Context, jobID uuid.UUID, fromRowNumber int) error

	// History loads dedupe candidates for the owner inside the lookback
	// window: approved imported rows. Ledger transactions are covered
	// transitively since every one of them came from an approved row.
	History(ctx context.Context, ownerID uuid.UUID, since time.Time) ([]dedupe.HistoryEntry, error)
}

// ValidationStore manages structured diagnostics.
type ValidationStore interface {
	AddValidations(ctx context.Context, vs []model.ImportValidation) error
	ListValidations(ctx context.Context, ownerID, jobID uuid.UUID) ([]model.ImportValidation, error)
}

// TemplateStore manages saved column mappings keyed by header fingerprint.
type TemplateStore interface {
	SaveTemplate(ctx context.Context, t *model.ImportTemplate) error
	TemplateByFingerprint(ctx context.Context, ownerID uuid.UUID, fingerprint string) (*model.ImportTemplate, error)
	ListTemplates(ctx context.Context, ownerID uuid.UUID) ([]model.ImportTemplate, error)
	DeleteTemplate(ctx context.Context, ownerID, templateID uuid.UUID) error
}

// ModelStore manages immutable classifier versions. SaveModelVersion assigns
// the next version number; ActivateModelVersion swaps the single active flag.
type ModelStore interface {
	SaveModelVersion(ctx context.Context, mv *model.ModelVersion) error
	ActiveModelVersion(ctx context.Context) (*model.ModelVersion, error)
	ModelVersionByID(ctx context.Context, id uuid.UUID) (*model.ModelVersion, error)
	ActivateModelVersion(ctx context.Context, id uuid.UUID) error
	ListModelVersions(ctx context.Context) ([]model.ModelVersion, error)
}

// TrainingStore is the correction queue feeding offline retraining.
type TrainingStore interface {
	EnqueueExamples(ctx context.Context, examples []model.TrainingExample) error
	TrainingExamples(ctx context.Context, limit int) ([]model.TrainingExample, error)
}

// Store is the full persistence surface of the import engine.
type Store interface {
	JobStore
	RowStore
	ValidationStore
	TemplateStore
	ModelStore
	TrainingStore
}
