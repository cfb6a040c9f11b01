package job

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/duartevn/coinflow/internal/importer/canonical"
	"github.com/duartevn/coinflow/internal/importer/model"
	"github.com/duartevn/coinflow/internal/importer/parser"
	"github.com/duartevn/coinflow/internal/queue"
)

// sampleErrorCap bounds how many per-row warnings one validation pass stores.
const sampleErrorCap = 20

// runValidation executes the VALIDATING stage: structural parse, mapping
// check, a sample pass through the canonicalizer and a row count. The job
// ends VALIDATED or FAILED.
func (s *Service) runValidation(ctx context.Context, t queue.Task) error {
	ctx, span := tracer.Start(ctx, "import.validate_stage",
		trace.WithAttributes(attribute.String("job_id", t.JobID.String())))
	defer span.End()
	log := s.logger.With("job_id", t.JobID, "stage", "validate")

	err := s.store.TransitionJob(ctx, t.JobID, model.JobPending, model.JobValidating, nil)
	if errors.Is(err, model.ErrWrongStatus) || errors.Is(err, model.ErrJobNotFound) {
		log.Info("job no longer pending, skipping validation", "error", err)
		return nil
	}
	if err != nil {
		return err
	}

	job, err := s.store.GetJob(ctx, t.OwnerID, t.JobID)
	if err != nil {
		return err
	}

	data, err := s.readFile(ctx, job)
	if err != nil {
		return s.failJob(ctx, job.ID, model.JobValidating, "STORAGE",
			"uploaded file could not be read back from storage")
	}

	src, err := parser.Open(job.FileType, data, &parser.Options{
		ChunkSize: job.Settings.ChunkSize,
		SheetName: job.Settings.SheetName,
	})
	if err != nil {
		return s.failParse(ctx, job.ID, model.JobValidating, err)
	}
	defer src.Close()

	mapper, err := canonical.NewMapper(job.Mapping, job.Settings, s.dialect(job, data))
	if err != nil {
		return s.failJob(ctx, job.ID, model.JobValidating, "MAPPING", err.Error(),
			model.ImportValidation{
				Severity:   model.SeverityError,
				Field:      "mapping",
				Message:    err.Error(),
				Suggestion: "map the date, description and amount (or debit/credit) columns",
			})
	}

	var vs []model.ImportValidation
	for _, col := range mapper.UnmappedColumns(src.Headers()) {
		vs = append(vs, model.ImportValidation{
			JobID:    job.ID,
			Severity: model.SeverityInfo,
			Field:    col,
			Message:  fmt.Sprintf("column %q is not mapped and will be ignored", col),
		})
	}

	// The first chunk goes through the mapper as a sample; the rest of the
	// file is only counted.
	total, sampled, badSample := 0, 0, 0
	first := true
	for {
		chunk, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var fe *model.FormatError
			if errors.As(err, &fe) {
				return s.failParse(ctx, job.ID, model.JobValidating, fe)
			}
			return err
		}

		total += len(chunk.Rows) + len(chunk.Bad)
		if !first {
			continue
		}
		first = false

		for _, bad := range chunk.Bad {
			if len(vs) < sampleErrorCap {
				v := bad.Validation(job.ID)
				v.Severity = model.SeverityWarning
				vs = append(vs, v)
			}
		}
		for _, row := range chunk.Rows {
			sampled++
			if _, rerr := mapper.Map(row); rerr != nil {
				badSample++
				if len(vs) < sampleErrorCap {
					v := rerr.Validation(job.ID)
					v.Severity = model.SeverityWarning
					vs = append(vs, v)
				}
			}
		}
	}

	if total == 0 {
		return s.failJob(ctx, job.ID, model.JobValidating, "EMPTY",
			"file contains no data rows")
	}
	if sampled > 0 && badSample == sampled {
		return s.failJob(ctx, job.ID, model.JobValidating, "MAPPING",
			"no sampled row survives the column mapping", vs...)
	}

	if len(vs) > 0 {
		if err := s.store.AddValidations(ctx, vs); err != nil {
			log.Warn("could not persist validation diagnostics", "error", err)
		}
	}

	err = s.store.TransitionJob(ctx, job.ID, model.JobValidating, model.JobValidated, func(j *model.ImportJob) {
		j.TotalRows = total
	})
	if err != nil {
		return err
	}

	s.recordAudit(ctx, model.AuditEvent{
		Actor:        job.OwnerID,
		Action:       "import.validated",
		ResourceType: "import_job",
		ResourceID:   job.ID.String(),
		Before:       string(model.JobValidating),
		After:        string(model.JobValidated),
	})
	log.Info("validation finished", "total_rows", total, "sampled", sampled, "sample_errors", badSample)
	return nil
}

// failParse maps a parser failure to a FAILED job with the parse reason.
func (s *Service) failParse(ctx context.Context, jobID uuid.UUID, from model.JobStatus, err error) error {
	var fe *model.FormatError
	msg := err.Error()
	if errors.As(err, &fe) {
		msg = fe.Reason
	}
	return s.failJob(ctx, jobID, from, "PARSE", msg, model.ImportValidation{
		Severity:   model.SeverityError,
		Field:      "file",
		Message:    msg,
		Suggestion: "re-export the statement or pick a supported format",
	})
}
