package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	retry "github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/duartevn/coinflow/internal/importer/canonical"
	"github.com/duartevn/coinflow/internal/importer/classify"
	"github.com/duartevn/coinflow/internal/importer/dedupe"
	"github.com/duartevn/coinflow/internal/importer/model"
	"github.com/duartevn/coinflow/internal/importer/parser"
	"github.com/duartevn/coinflow/internal/importer/repository"
	"github.com/duartevn/coinflow/internal/queue"
)

const (
	// chunkRetries is how many extra attempts a transient chunk failure gets
	// before the error is treated as final.
	chunkRetries = 3
	// chunkRetryBase seeds the exponential backoff: 1s, 2s, 4s.
	chunkRetryBase = time.Second
)

// runProcessing executes the PROCESSING stage: parse chunks, canonicalize,
// dedupe, classify, persist, checkpoint. The job ends COMPLETED, FAILED or
// CANCELLED. A worker finding the job already PROCESSING resumes from the
// checkpoint, which also covers user-triggered retries.
func (s *Service) runProcessing(ctx context.Context, t queue.Task) error {
	ctx, span := tracer.Start(ctx, "import.process_stage",
		trace.WithAttributes(attribute.String("job_id", t.JobID.String())))
	defer span.End()
	log := s.logger.With("job_id", t.JobID, "stage", "process")
	started := s.now()

	release, err := s.store.AcquireJobLease(ctx, t.JobID)
	if errors.Is(err, model.ErrJobLocked) {
		log.Info("another worker holds the job lease")
		return nil
	}
	if err != nil {
		return err
	}
	defer release()

	resume := false
	err = s.store.TransitionJob(ctx, t.JobID, model.JobValidated, model.JobProcessing, func(j *model.ImportJob) {
		now := s.now().UTC()
		j.StartedAt = &now
		j.Attempt++
	})
	switch {
	case errors.Is(err, model.ErrWrongStatus):
		j, gerr := s.store.GetJob(ctx, t.OwnerID, t.JobID)
		if gerr != nil {
			return gerr
		}
		if j.Status != model.JobProcessing {
			log.Info("job is not runnable, skipping", "status", j.Status)
			return nil
		}
		resume = true
	case errors.Is(err, model.ErrJobNotFound):
		log.Info("job vanished before processing")
		return nil
	case err != nil:
		return err
	}

	job, err := s.store.GetJob(ctx, t.OwnerID, t.JobID)
	if err != nil {
		return err
	}
	span.SetAttributes(
		attribute.Int("attempt", job.Attempt),
		attribute.Int("checkpoint", job.Checkpoint),
		attribute.Bool("resume", resume),
	)
	if resume {
		log.Info("resuming from checkpoint", "checkpoint", job.Checkpoint, "attempt", job.Attempt)
	}

	data, err := s.readFile(ctx, job)
	if err != nil {
		return s.failJob(ctx, job.ID, model.JobProcessing, "STORAGE",
			"uploaded file could not be read back from storage")
	}

	src, err := parser.Open(job.FileType, data, &parser.Options{
		ChunkSize: job.Settings.ChunkSize,
		SheetName: job.Settings.SheetName,
	})
	if err != nil {
		return s.failParse(ctx, job.ID, model.JobProcessing, err)
	}
	defer src.Close()

	mapper, err := canonical.NewMapper(job.Mapping, job.Settings, s.dialect(job, data))
	if err != nil {
		// Validation already vetted the mapping; reaching this means the job
		// record changed underneath us.
		return s.failJob(ctx, job.ID, model.JobProcessing, "MAPPING", err.Error())
	}

	classifier := s.classifier(ctx, log)

	since := s.now().Add(-time.Duration(job.Settings.LookbackDays) * 24 * time.Hour)
	history, err := s.store.History(ctx, job.OwnerID, since)
	if err != nil {
		return s.failJob(ctx, job.ID, model.JobProcessing, "STORAGE",
			"could not load transaction history for deduplication")
	}
	det, err := dedupe.NewDetector(history)
	if err != nil {
		return fmt.Errorf("build dedupe index: %w", err)
	}
	defer det.Close()

	if resume && job.Checkpoint >= 0 {
		if err := s.observeCommitted(ctx, det, job); err != nil {
			return s.failJob(ctx, job.ID, model.JobProcessing, "STORAGE",
				"could not reload committed rows for resume")
		}
	}

	for {
		chunk, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var fe *model.FormatError
			if errors.As(err, &fe) {
				return s.failParse(ctx, job.ID, model.JobProcessing, fe)
			}
			return err
		}
		if chunk.Index <= job.Checkpoint {
			continue // committed by an earlier attempt
		}

		fresh, err := s.store.GetJob(ctx, job.OwnerID, job.ID)
		if err == nil && fresh.CancelRequested {
			return s.cancelJob(ctx, job, log)
		}

		if err := s.commitChunk(ctx, job, chunk, mapper, det, classifier); err != nil {
			var se *model.StorageError
			if errors.As(err, &se) {
				return s.failJob(ctx, job.ID, model.JobProcessing, "STORAGE",
					fmt.Sprintf("chunk %d could not be committed: %v", chunk.Index, se.Err))
			}
			// Non-storage chunk failure: every row in the chunk fails, the
			// job keeps going with the next one.
			log.Error("chunk failed, continuing", "chunk", chunk.Index, "error", err)
			s.recordChunkFailure(ctx, job, chunk, err)
		}
	}

	err = s.store.TransitionJob(ctx, job.ID, model.JobProcessing, model.JobCompleted, func(j *model.ImportJob) {
		now := s.now().UTC()
		j.CompletedAt = &now
		j.ProgressPct = 100
	})
	if errors.Is(err, model.ErrWrongStatus) {
		// Lost a race with cancellation.
		log.Info("job left PROCESSING before completion")
		return nil
	}
	if err != nil {
		return err
	}

	s.metrics.jobFinished(model.JobCompleted)
	s.metrics.jobDone(s.now().Sub(started))
	s.recordAudit(ctx, model.AuditEvent{
		Actor:        job.OwnerID,
		Action:       "import.completed",
		ResourceType: "import_job",
		ResourceID:   job.ID.String(),
		Before:       string(model.JobProcessing),
		After:        string(model.JobCompleted),
	})
	log.Info("processing finished",
		"processed", job.ProcessedRows, "succeeded", job.SucceededRows,
		"failed", job.FailedRows, "duplicates", job.DuplicateRows,
		"attempt", job.Attempt, "duration", s.now().Sub(started))
	return nil
}

// commitChunk pushes one chunk through the row pipeline and persists it,
// retrying transient failures with exponential backoff.
func (s *Service) commitChunk(ctx context.Context, job *model.ImportJob, chunk *parser.Chunk, mapper *canonical.Mapper, det *dedupe.Detector, classifier *classify.Classifier) error {
	ctx, span := tracer.Start(ctx, "import.chunk",
		trace.WithAttributes(attribute.Int("chunk", chunk.Index)))
	defer span.End()
	start := s.now()

	backoff := retry.WithMaxRetries(chunkRetries, retry.NewExponential(chunkRetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.tryCommitChunk(ctx, job, chunk, mapper, det, classifier)
		if err != nil && model.IsRetryable(err) {
			s.metrics.retried()
			s.logger.Warn("transient chunk failure, retrying",
				"job_id", job.ID, "chunk", chunk.Index, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	s.metrics.chunkDone(s.now().Sub(start))
	return nil
}

// tryCommitChunk is one commit attempt. It is safe to replay: rows from a
// half-committed attempt are deleted before inserting again. Counters only
// move once the progress write lands, so a replay cannot double-count.
func (s *Service) tryCommitChunk(ctx context.Context, job *model.ImportJob, chunk *parser.Chunk, mapper *canonical.Mapper, det *dedupe.Detector, classifier *classify.Classifier) error {
	if len(chunk.Rows) > 0 {
		if err := s.store.DeleteRowsFromChunk(ctx, job.ID, chunk.Rows[0].Number); err != nil {
			return err
		}
	}

	now := s.now().UTC()
	rows := make([]*model.ImportedTransactionRow, 0, len(chunk.Rows))
	var vs []model.ImportValidation
	var succeeded, failed, dups int

	for _, bad := range chunk.Bad {
		vs = append(vs, bad.Validation(job.ID))
		failed++
	}

	var toClassify []*model.ImportedTransactionRow
	for _, raw := range chunk.Rows {
		row := &model.ImportedTransactionRow{
			ID:        uuid.New(),
			JobID:     job.ID,
			OwnerID:   job.OwnerID,
			RowNumber: raw.Number,
			Raw:       raw.Fields,
			Status:    model.RowPending,
			CreatedAt: now,
			UpdatedAt: now,
		}

		c, rerr := mapper.Map(raw)
		if rerr != nil {
			// The raw row is kept for provenance but auto-rejected; the
			// validation tells the user what was wrong with it.
			row.Status = model.RowRejected
			vs = append(vs, rerr.Validation(job.ID))
			failed++
			rows = append(rows, row)
			continue
		}
		row.Canonical = c

		match, derr := det.Check(c)
		if derr != nil {
			return fmt.Errorf("dedupe check: %w", derr)
		}
		if match != nil {
			// A duplicate is a decided row: it lands in status DUPLICATE with
			// its reference and never reaches the classifier. The review
			// surface can still force-approve it.
			row.Status = model.RowDuplicate
			row.Duplicate = true
			dup := match.ID
			row.DuplicateOf = &dup
			row.Category = c.RawCategory
			dups++
			if match.Kind == dedupe.MatchFuzzy {
				n := raw.Number
				vs = append(vs, model.ImportValidation{
					JobID:     job.ID,
					RowNumber: &n,
					Severity:  model.SeverityWarning,
					Field:     "description",
					Message:   fmt.Sprintf("possible duplicate of %s (similarity %.2f)", match.ID, match.Score),
				})
			}
			rows = append(rows, row)
			continue
		}

		if oerr := det.Observe(row.ID, c); oerr != nil {
			return fmt.Errorf("dedupe observe: %w", oerr)
		}
		succeeded++
		toClassify = append(toClassify, row)
		rows = append(rows, row)
	}

	// Surviving rows are classified in one batch per chunk.
	if len(toClassify) > 0 {
		descs := make([]string, len(toClassify))
		for i, r := range toClassify {
			descs[i] = r.Canonical.Description
		}
		for i, d := range classifier.ClassifyBatch(descs) {
			r := toClassify[i]
			r.Category = d.Category
			r.Confidence = d.Confidence
			r.ModelVersionID = d.ModelVersionID
			r.AutoCategorized = job.Settings.AutoCategorize && d.AutoCategorized
			if r.Category == "" && r.Canonical.RawCategory != "" {
				r.Category = r.Canonical.RawCategory
			}
		}
	}

	if err := s.store.InsertRows(ctx, rows); err != nil {
		return err
	}
	if len(vs) > 0 {
		if err := s.store.AddValidations(ctx, vs); err != nil {
			return err
		}
	}

	next := *job
	next.ProcessedRows += len(chunk.Rows) + len(chunk.Bad)
	next.SucceededRows += succeeded
	next.FailedRows += failed
	next.DuplicateRows += dups
	next.Checkpoint = chunk.Index
	next.ProgressPct = progressPct(next.ProcessedRows, next.TotalRows)
	if err := s.store.UpdateJobProgress(ctx, &next); err != nil {
		return err
	}
	*job = next

	s.metrics.rows("succeeded", succeeded)
	s.metrics.rows("failed", failed)
	s.metrics.rows("duplicate", dups)
	return nil
}

// recordChunkFailure marks every row of a chunk failed after its commit gave
// up, per the partial-failure contract: the job continues with the next chunk.
func (s *Service) recordChunkFailure(ctx context.Context, job *model.ImportJob, chunk *parser.Chunk, cause error) {
	vs := make([]model.ImportValidation, 0, len(chunk.Rows))
	for _, raw := range chunk.Rows {
		n := raw.Number
		vs = append(vs, model.ImportValidation{
			JobID:     job.ID,
			RowNumber: &n,
			Severity:  model.SeverityError,
			Message:   fmt.Sprintf("row could not be processed: %v", cause),
		})
	}
	if err := s.store.AddValidations(ctx, vs); err != nil {
		s.logger.Warn("could not persist chunk failure validations",
			"job_id", job.ID, "chunk", chunk.Index, "error", err)
	}

	total := len(chunk.Rows) + len(chunk.Bad)
	next := *job
	next.ProcessedRows += total
	next.FailedRows += total
	next.Checkpoint = chunk.Index
	next.ProgressPct = progressPct(next.ProcessedRows, next.TotalRows)
	if err := s.store.UpdateJobProgress(ctx, &next); err != nil {
		s.logger.Warn("could not persist progress after chunk failure",
			"job_id", job.ID, "chunk", chunk.Index, "error", err)
		return
	}
	*job = next
	s.metrics.rows("failed", total)
}

// cancelJob honors a cooperative cancel request at a chunk boundary.
func (s *Service) cancelJob(ctx context.Context, job *model.ImportJob, log *slog.Logger) error {
	err := s.store.TransitionJob(ctx, job.ID, model.JobProcessing, model.JobCancelled, func(j *model.ImportJob) {
		now := s.now().UTC()
		j.CompletedAt = &now
	})
	if err != nil {
		return err
	}
	s.metrics.jobFinished(model.JobCancelled)
	s.recordAudit(ctx, model.AuditEvent{
		Actor:        job.OwnerID,
		Action:       "import.cancelled",
		ResourceType: "import_job",
		ResourceID:   job.ID.String(),
		Before:       string(model.JobProcessing),
		After:        string(model.JobCancelled),
	})
	log.Info("job cancelled at chunk boundary", "checkpoint", job.Checkpoint)
	return nil
}

// observeCommitted seeds the dedupe detector with rows committed by an
// earlier attempt, so the resumed tail still dedupes against them.
func (s *Service) observeCommitted(ctx context.Context, det *dedupe.Detector, job *model.ImportJob) error {
	rows, err := s.store.ListRows(ctx, job.OwnerID, job.ID, repository.RowFilter{})
	if err != nil {
		return err
	}
	for i := range rows {
		r := &rows[i]
		if r.Canonical == nil || r.Duplicate {
			continue
		}
		if err := det.Observe(r.ID, r.Canonical); err != nil {
			return err
		}
	}
	return nil
}

// classifier pins the active model version for the whole run; a missing or
// unreadable model degrades to the keyword rules instead of failing the job.
func (s *Service) classifier(ctx context.Context, log *slog.Logger) *classify.Classifier {
	mv, err := s.store.ActiveModelVersion(ctx)
	if err != nil {
		if !errors.Is(err, model.ErrNoActiveModel) {
			log.Warn("could not load active model, using rule fallback", "error", err)
		}
		mv = nil
	}
	c, err := classify.New(mv, s.rules, s.logger)
	if err != nil {
		log.Warn("classifier model rejected, using rule fallback", "error", err)
		c, _ = classify.New(nil, s.rules, s.logger)
	}
	return c
}

func progressPct(processed, total int) float64 {
	if total <= 0 {
		return 0
	}
	pct := 100 * float64(processed) / float64(total)
	if pct > 100 {
		pct = 100
	}
	return pct
}
