// Package model defines the data types shared by every stage of the
// transaction import pipeline: jobs, extracted rows, validations, saved
// column-mapping templates and classifier model versions.
package model

import (
	"time"

	"github.com/google/uuid"
)

// FileType identifies the container format of an uploaded file.
type FileType string

const (
	FileTypeCSV  FileType = "csv"
	FileTypeXLSX FileType = "xlsx"
	FileTypeXLS  FileType = "xls"
	FileTypePDF  FileType = "pdf"
)

// JobStatus is the lifecycle state of an ImportJob. Transitions are
// monotonic and owned exclusively by the orchestrator.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobValidating JobStatus = "VALIDATING"
	JobValidated  JobStatus = "VALIDATED"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobCancelled  JobStatus = "CANCELLED"
)

// Terminal reports whether the job is no longer running. A FAILED job is
// terminal but can still be retried into a new processing attempt.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// jobTransitions is the allowed edge set of the job state machine. The
// FAILED -> PROCESSING edge is the user-triggered retry: a fresh processing
// attempt under the same job id with counters reset.
var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:    {JobValidating, JobCancelled},
	JobValidating: {JobValidated, JobFailed},
	JobValidated:  {JobProcessing, JobCancelled},
	JobProcessing: {JobCompleted, JobFailed, JobCancelled},
	JobFailed:     {JobProcessing},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RowStatus is the review state of an extracted transaction row.
type RowStatus string

const (
	RowPending   RowStatus = "PENDING"
	RowApproved  RowStatus = "APPROVED"
	RowRejected  RowStatus = "REJECTED"
	RowDuplicate RowStatus = "DUPLICATE"
)

// Direction is the normalized money-flow direction of a canonical row.
type Direction string

const (
	DirectionDebit  Direction = "DEBIT"
	DirectionCredit Direction = "CREDIT"
)

// Severity levels for import validations.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// ColumnMapping maps canonical field names to source column headers. An
// empty/missing value for a required field is rejected at canonicalization
// time with a typed error, never silently skipped.
type ColumnMapping struct {
	Date        string `json:"date"`
	Description string `json:"description"`
	Amount      string `json:"amount"`  // single signed-amount column
	Debit       string `json:"debit"`   // double-entry alternative to Amount
	Credit      string `json:"credit"`  //
	Account     string `json:"account"`  // optional account hint column
	Type        string `json:"type"`     // optional explicit debit/credit column
	Currency    string `json:"currency"` // optional per-row currency column
	Category    string `json:"category"`
}

// DoubleEntry reports whether the mapping uses separate debit/credit columns
// instead of a single signed amount column.
func (m ColumnMapping) DoubleEntry() bool {
	return m.Amount == "" && (m.Debit != "" || m.Credit != "")
}

// JobSettings are the user-tunable knobs of one import run.
type JobSettings struct {
	// SkipDuplicates leaves flagged duplicates out of the default review
	// listing. Their status is DUPLICATE either way.
	SkipDuplicates bool   `json:"skip_duplicates"`
	AutoCategorize bool   `json:"auto_categorize"`
	DateFormat     string `json:"date_format,omitempty"` // Go layout, empty = flexible
	DecimalComma   bool   `json:"decimal_comma"`         // European 1.234,56 amounts
	LookbackDays   int    `json:"lookback_days"`         // dedupe history window
	ChunkSize      int    `json:"chunk_size"`
	SheetName      string `json:"sheet_name,omitempty"` // Excel sheet override
}

const (
	// DefaultChunkSize bounds how many rows one unit of pipeline work holds.
	DefaultChunkSize = 1000
	// DefaultLookbackDays is the dedupe history window.
	DefaultLookbackDays = 90
	// MaxFileSizeBytes is the upload ceiling enforced before parsing.
	MaxFileSizeBytes = 50 << 20
)

// Normalize fills unset settings with their defaults.
func (s *JobSettings) Normalize() {
	if s.ChunkSize <= 0 {
		s.ChunkSize = DefaultChunkSize
	}
	if s.ChunkSize > 10000 {
		s.ChunkSize = 10000
	}
	if s.LookbackDays <= 0 {
		s.LookbackDays = DefaultLookbackDays
	}
}

// ErrorDetail is the structured failure description attached to a FAILED job.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ImportJob is one file-upload attempt. Mutated exclusively by the
// orchestrator; everything else reads it as job context.
type ImportJob struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	Filename    string
	FileType    FileType
	SizeBytes   int64
	ContentHash string // sha256 of the uploaded bytes
	FileID      uuid.UUID

	Status      JobStatus
	ProgressPct float64

	TotalRows     int
	ProcessedRows int
	SucceededRows int
	FailedRows    int
	DuplicateRows int

	Mapping    ColumnMapping
	TemplateID *uuid.UUID
	Settings   JobSettings

	// Checkpoint is the index of the last fully committed chunk, -1 when no
	// chunk has been committed. Resume skips chunks <= Checkpoint.
	Checkpoint int
	Attempt    int

	CancelRequested bool
	ErrorDetail     *ErrorDetail

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// CountersConsistent checks the progress invariants that must hold after
// every chunk commit.
func (j *ImportJob) CountersConsistent() bool {
	return j.ProcessedRows <= j.TotalRows &&
		j.SucceededRows+j.FailedRows+j.DuplicateRows <= j.ProcessedRows
}

// SuccessRate returns succeeded/processed in [0,1], 0 when nothing processed.
func (j *ImportJob) SuccessRate() float64 {
	if j.ProcessedRows == 0 {
		return 0
	}
	return float64(j.SucceededRows) / float64(j.ProcessedRows)
}

// RawRow is one record as received from a parser, before canonicalization.
type RawRow struct {
	Number int               // 1-indexed source row number
	Fields map[string]string // header name -> raw value
	Values []string          // positional values as read
}

// CanonicalRow is the normalized transaction shape every source format
// converges to.
type CanonicalRow struct {
	Date        time.Time
	Description string
	AmountCents int64
	Currency    string
	AccountHint string
	Direction   Direction
	RawCategory string
}

// ImportedTransactionRow is one candidate transaction extracted from a job.
// Rows are kept forever as import provenance, even after approval.
type ImportedTransactionRow struct {
	ID        uuid.UUID
	JobID     uuid.UUID
	OwnerID   uuid.UUID
	RowNumber int

	Raw map[string]string

	Canonical *CanonicalRow // nil until canonicalization succeeds

	Category        string
	Confidence      float64
	AutoCategorized bool
	ModelVersionID  *uuid.UUID

	Duplicate   bool
	DuplicateOf *uuid.UUID // row or permanent transaction this duplicates

	Status        RowStatus
	TransactionID *string // permanent storage id, set on approval

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ImportValidation is a structured diagnostic attached to a job or one of
// its rows. RowNumber nil means job-level.
type ImportValidation struct {
	ID         uuid.UUID
	JobID      uuid.UUID
	RowNumber  *int
	Severity   Severity
	Field      string
	Message    string
	Suggestion string
	Resolved   bool
	CreatedAt  time.Time
}

// ImportTemplate is a saved, reusable column mapping keyed by the header
// fingerprint of the source file, so repeat imports from the same bank
// pre-fill the canonicalizer.
type ImportTemplate struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	Name        string
	FileType    FileType
	Fingerprint string
	Mapping     ColumnMapping
	Settings    JobSettings
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ModelVersion is an immutable snapshot of a trained classifier. Exactly one
// version is active at a time; a job pins the active version at start and
// keeps it for its whole run.
type ModelVersion struct {
	ID           uuid.UUID
	Version      int
	Accuracy     float64
	TrainingRows int
	Features     []string
	Active       bool
	Blob         []byte // gob-encoded classifier
	CreatedAt    time.Time
}

// TrainingExample is a queued user correction consumed by the next offline
// retraining pass.
type TrainingExample struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	Description string
	Category    string
	Source      string // "correction" or "approval"
	CreatedAt   time.Time
}

// AuditEvent is emitted to the external audit sink on every state transition
// and review decision.
type AuditEvent struct {
	Actor        uuid.UUID
	Action       string
	ResourceType string
	ResourceID   string
	Before       string
	After        string
	At           time.Time
}
