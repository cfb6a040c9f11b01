package model

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors shared across the pipeline.
var (
	ErrJobNotFound      = errors.New("import job not found")
	ErrRowNotFound      = errors.New("import row not found")
	ErrTemplateNotFound = errors.New("import template not found")
	ErrNoActiveModel    = errors.New("no active classifier model version")
	ErrJobLocked        = errors.New("import job is locked by another worker")
	ErrWrongStatus      = errors.New("import job is not in the required status")
	ErrForbidden        = errors.New("owner is not allowed to import")

	// ErrClassifierUnavailable degrades classification to the rule-based
	// fallback; it never fails the job.
	ErrClassifierUnavailable = errors.New("classifier unavailable")
)

// FormatError means the uploaded container itself cannot be parsed:
// unsupported type, corrupt archive, password-protected document, or an
// unrecognized statement layout. Job-fatal.
type FormatError struct {
	FileType FileType
	Reason   string
	Err      error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("format error (%s): %s: %v", e.FileType, e.Reason, e.Err)
	}
	return fmt.Sprintf("format error (%s): %s", e.FileType, e.Reason)
}

func (e *FormatError) Unwrap() error { return e.Err }

// NewFormatError builds a job-fatal container error.
func NewFormatError(ft FileType, reason string, err error) *FormatError {
	return &FormatError{FileType: ft, Reason: reason, Err: err}
}

// RowError is a recoverable, row-scoped failure. The row is marked failed and
// the batch continues; a RowError never escalates to job failure.
type RowError struct {
	RowNumber  int
	Field      string
	Message    string
	Suggestion string
	Err        error
}

func (e *RowError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("row %d, field %q: %s", e.RowNumber, e.Field, e.Message)
	}
	return fmt.Sprintf("row %d: %s", e.RowNumber, e.Message)
}

func (e *RowError) Unwrap() error { return e.Err }

// Validation converts the error into the diagnostic stored for the user.
func (e *RowError) Validation(jobID uuid.UUID) ImportValidation {
	n := e.RowNumber
	return ImportValidation{
		JobID:      jobID,
		RowNumber:  &n,
		Severity:   SeverityError,
		Field:      e.Field,
		Message:    e.Message,
		Suggestion: e.Suggestion,
	}
}

// StorageError wraps a persistence failure. Retried with backoff; job-fatal
// only once retries are exhausted.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth another attempt under the chunk
// retry policy.
func IsRetryable(err error) bool {
	var se *StorageError
	return errors.As(err, &se) || errors.Is(err, ErrClassifierUnavailable)
}
