// Package job is the import orchestrator. It owns the job state machine:
// every status change funnels through here, while parsing, canonicalization,
// deduplication and classification stay pure functions over chunks of rows.
package job

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/duartevn/coinflow/internal/importer/classify"
	"github.com/duartevn/coinflow/internal/importer/model"
	"github.com/duartevn/coinflow/internal/importer/parser"
	"github.com/duartevn/coinflow/internal/importer/repository"
	"github.com/duartevn/coinflow/internal/importer/sniffer"
	"github.com/duartevn/coinflow/internal/importer/validate"
	"github.com/duartevn/coinflow/internal/queue"
	"github.com/duartevn/coinflow/pkg/storage"
)

var tracer = otel.Tracer("coinflow/importer")

// ErrFileRejected marks an upload that failed structural validation. The
// validations returned alongside carry the reasons.
var ErrFileRejected = errors.New("uploaded file failed validation")

// AuditSink receives job transitions and review decisions.
type AuditSink interface {
	Record(ctx context.Context, ev model.AuditEvent)
}

// ImportGate is the capability check consumed from the permission layer. An
// owner denied by the gate cannot create imports. A nil gate allows everyone.
type ImportGate interface {
	MayImport(ctx context.Context, ownerID uuid.UUID) error
}

// Upload is the payload of a new import submission.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
	Mapping     model.ColumnMapping
	Settings    model.JobSettings
	TemplateID  *uuid.UUID
}

// Analysis is everything the mapping UI needs to configure an import before
// committing to an upload.
type Analysis struct {
	FileType    model.FileType           `json:"file_type"`
	Headers     []string                 `json:"headers"`
	Fingerprint string                   `json:"fingerprint,omitempty"`
	Suggested   model.ColumnMapping      `json:"suggested_mapping"`
	Dialect     sniffer.Dialect          `json:"dialect"`
	Sheets      []string                 `json:"sheets,omitempty"`
	Preview     []map[string]string      `json:"preview,omitempty"`
	Template    *model.ImportTemplate    `json:"template,omitempty"`
	Validations []model.ImportValidation `json:"validations,omitempty"`
}

// Service sequences import jobs through their stages. It is the only
// component allowed to transition job status.
type Service struct {
	store   repository.Store
	files   storage.Storage
	tasks   queue.Publisher
	rules   *classify.RuleEngine
	gate    ImportGate
	logger  *slog.Logger
	metrics *Metrics
	audit   AuditSink
	now     func() time.Time
}

// NewService wires the orchestrator. The default rule engine covers the
// classification cold start until a model is trained.
func NewService(store repository.Store, files storage.Storage, tasks queue.Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		files:  files,
		tasks:  tasks,
		rules:  classify.NewRuleEngine(classify.DefaultRules()),
		logger: logger,
		now:    time.Now,
	}
}

// WithRules replaces the keyword fallback rules.
func (s *Service) WithRules(r *classify.RuleEngine) *Service {
	s.rules = r
	return s
}

// WithGate attaches the permission layer's import capability check.
func (s *Service) WithGate(g ImportGate) *Service {
	s.gate = g
	return s
}

// WithMetrics attaches Prometheus instruments.
func (s *Service) WithMetrics(m *Metrics) *Service {
	s.metrics = m
	return s
}

// WithAudit attaches the audit sink.
func (s *Service) WithAudit(a AuditSink) *Service {
	s.audit = a
	return s
}

// Create validates and stores an uploaded file and registers a PENDING job.
// When no mapping is supplied, a saved template matching the file's header
// fingerprint is applied. ErrFileRejected carries the failed validations.
func (s *Service) Create(ctx context.Context, ownerID uuid.UUID, up Upload) (*model.ImportJob, []model.ImportValidation, error) {
	ctx, span := tracer.Start(ctx, "import.create",
		trace.WithAttributes(attribute.String("filename", up.Filename)))
	defer span.End()

	if s.gate != nil {
		if err := s.gate.MayImport(ctx, ownerID); err != nil {
			return nil, nil, fmt.Errorf("import capability check: %w", err)
		}
	}

	res := validate.File(up.Filename, up.ContentType, up.Data)
	if !res.OK {
		return nil, res.Validations, ErrFileRejected
	}

	info, err := s.files.Upload(ctx, ownerID, up.Filename, up.ContentType, bytes.NewReader(up.Data))
	if err != nil {
		return nil, nil, fmt.Errorf("store upload: %w", err)
	}

	sum := sha256.Sum256(up.Data)
	job := &model.ImportJob{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		Filename:    up.Filename,
		FileType:    res.FileType,
		SizeBytes:   int64(len(up.Data)),
		ContentHash: hex.EncodeToString(sum[:]),
		FileID:      info.ID,
		Status:      model.JobPending,
		Mapping:     up.Mapping,
		Settings:    up.Settings,
		Checkpoint:  -1,
		CreatedAt:   s.now().UTC(),
	}

	if job.Mapping == (model.ColumnMapping{}) {
		if t := s.matchTemplate(ctx, ownerID, res.FileType, up.Data, up.TemplateID); t != nil {
			job.Mapping = t.Mapping
			if up.Settings == (model.JobSettings{}) {
				job.Settings = t.Settings
			}
			id := t.ID
			job.TemplateID = &id
		}
	}
	job.Settings.Normalize()

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, nil, err
	}
	if len(res.Validations) > 0 {
		for i := range res.Validations {
			res.Validations[i].JobID = job.ID
		}
		if err := s.store.AddValidations(ctx, res.Validations); err != nil {
			s.logger.Warn("could not persist upload warnings", "job_id", job.ID, "error", err)
		}
	}

	span.SetAttributes(attribute.String("job_id", job.ID.String()))
	s.recordAudit(ctx, model.AuditEvent{
		Actor:        ownerID,
		Action:       "import.create",
		ResourceType: "import_job",
		ResourceID:   job.ID.String(),
		After:        string(job.Status),
	})
	s.logger.Info("import job created",
		"job_id", job.ID, "owner_id", ownerID,
		"file_type", job.FileType, "size_bytes", job.SizeBytes)
	return job, res.Validations, nil
}

// Analyze inspects a file without creating a job: detected headers, a
// suggested column mapping, the regional dialect and a small preview.
func (s *Service) Analyze(ctx context.Context, ownerID uuid.UUID, filename, contentType string, data []byte) (*Analysis, error) {
	ctx, span := tracer.Start(ctx, "import.analyze")
	defer span.End()

	res := validate.File(filename, contentType, data)
	an := &Analysis{FileType: res.FileType, Validations: res.Validations}
	if !res.OK {
		return an, ErrFileRejected
	}

	switch res.FileType {
	case model.FileTypeCSV:
		shape, err := sniffer.Detect(parser.DecodeText(data))
		if err != nil {
			return an, model.NewFormatError(res.FileType, "could not detect file layout", err)
		}
		an.Headers = shape.Headers
		an.Fingerprint = shape.Fingerprint
		an.Suggested = mappingFromSuggestion(sniffer.SuggestMapping(shape.Headers))
		an.Dialect = sniffer.ProbeDialect(shape.SampleRows, an.Suggested.Amount, an.Suggested.Date)
		if preview, err := parser.Preview(data, 10); err == nil {
			an.Preview = preview
		}

	case model.FileTypeXLSX, model.FileTypeXLS:
		sheets, err := parser.ListSheets(data)
		if err != nil {
			return an, err
		}
		an.Sheets = sheets
		if err := s.analyzeSource(ctx, an, res.FileType, data); err != nil {
			return an, err
		}

	case model.FileTypePDF:
		if err := s.analyzeSource(ctx, an, res.FileType, data); err != nil {
			return an, err
		}
	}

	if an.Fingerprint != "" {
		if t, err := s.store.TemplateByFingerprint(ctx, ownerID, an.Fingerprint); err == nil {
			an.Template = t
		}
	}
	return an, nil
}

// analyzeSource fills headers, suggestion, dialect and preview by reading one
// chunk from a parser source. Used for the formats sniffer cannot probe raw.
func (s *Service) analyzeSource(ctx context.Context, an *Analysis, ft model.FileType, data []byte) error {
	src, err := parser.Open(ft, data, &parser.Options{ChunkSize: 10})
	if err != nil {
		return err
	}
	defer src.Close()

	an.Headers = src.Headers()
	an.Fingerprint = sniffer.Fingerprint(an.Headers)
	an.Suggested = mappingFromSuggestion(sniffer.SuggestMapping(an.Headers))

	chunk, err := src.Next(ctx)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, row := range chunk.Rows {
		an.Preview = append(an.Preview, row.Fields)
	}
	an.Dialect = sniffer.ProbeDialect(an.Preview, an.Suggested.Amount, an.Suggested.Date)
	return nil
}

// Validate applies an optional corrected mapping and queues the validation
// stage. Only PENDING jobs can enter validation.
func (s *Service) Validate(ctx context.Context, ownerID, jobID uuid.UUID, mapping *model.ColumnMapping, settings *model.JobSettings) (*model.ImportJob, error) {
	job, err := s.store.GetJob(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobPending {
		return nil, fmt.Errorf("%w: validation requires %s, job is %s",
			model.ErrWrongStatus, model.JobPending, job.Status)
	}

	if mapping != nil || settings != nil {
		if mapping != nil {
			job.Mapping = *mapping
		}
		if settings != nil {
			job.Settings = *settings
			job.Settings.Normalize()
		}
		if err := s.store.UpdateJobMapping(ctx, ownerID, jobID, job.Mapping, job.Settings); err != nil {
			return nil, err
		}
	}

	if err := s.publish(ctx, queue.TaskValidate, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Start queues the processing stage of a VALIDATED job.
func (s *Service) Start(ctx context.Context, ownerID, jobID uuid.UUID) (*model.ImportJob, error) {
	job, err := s.store.GetJob(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobValidated {
		return nil, fmt.Errorf("%w: start requires %s, job is %s",
			model.ErrWrongStatus, model.JobValidated, job.Status)
	}
	if err := s.publish(ctx, queue.TaskProcess, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Cancel requests cooperative cancellation. Jobs that are not running flip to
// CANCELLED immediately; a running job stops at its next chunk boundary.
func (s *Service) Cancel(ctx context.Context, ownerID, jobID uuid.UUID) (*model.ImportJob, error) {
	job, err := s.store.RequestCancel(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, model.AuditEvent{
		Actor:        ownerID,
		Action:       "import.cancel",
		ResourceType: "import_job",
		ResourceID:   jobID.String(),
		After:        string(job.Status),
	})
	if job.Status == model.JobCancelled {
		s.metrics.jobFinished(model.JobCancelled)
	}
	return job, nil
}

// Retry starts a fresh processing attempt for a FAILED job. Counters and
// checkpoint reset; rows of the failed attempt are replaced wholesale. Jobs
// that failed before processing started need a corrected re-upload instead.
func (s *Service) Retry(ctx context.Context, ownerID, jobID uuid.UUID) (*model.ImportJob, error) {
	job, err := s.store.GetJob(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobFailed {
		return nil, fmt.Errorf("%w: retry requires %s, job is %s",
			model.ErrWrongStatus, model.JobFailed, job.Status)
	}
	if job.StartedAt == nil {
		return nil, fmt.Errorf("%w: job failed during validation, upload again with a corrected mapping",
			model.ErrWrongStatus)
	}

	err = s.store.TransitionJob(ctx, jobID, model.JobFailed, model.JobProcessing, func(j *model.ImportJob) {
		j.Attempt++
		j.Checkpoint = -1
		j.ProcessedRows, j.SucceededRows, j.FailedRows, j.DuplicateRows = 0, 0, 0, 0
		j.ProgressPct = 0
		j.ErrorDetail = nil
		j.CancelRequested = false
		j.CompletedAt = nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteRowsFromChunk(ctx, jobID, 0); err != nil {
		return nil, err
	}

	s.recordAudit(ctx, model.AuditEvent{
		Actor:        ownerID,
		Action:       "import.retry",
		ResourceType: "import_job",
		ResourceID:   jobID.String(),
		Before:       string(model.JobFailed),
		After:        string(model.JobProcessing),
	})
	s.logger.Info("import retry requested", "job_id", jobID, "attempt", job.Attempt+1)

	if err := s.publish(ctx, queue.TaskProcess, job); err != nil {
		return nil, err
	}
	return s.store.GetJob(ctx, ownerID, jobID)
}

// Job returns one job scoped to its owner.
func (s *Service) Job(ctx context.Context, ownerID, jobID uuid.UUID) (*model.ImportJob, error) {
	return s.store.GetJob(ctx, ownerID, jobID)
}

// Jobs lists an owner's jobs, newest first.
func (s *Service) Jobs(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]model.ImportJob, error) {
	return s.store.ListJobs(ctx, ownerID, limit, offset)
}

// Rows lists extracted rows of a job for the review surface. A job configured
// to skip duplicates leaves flagged rows out of the default listing; an
// explicit status or duplicates filter still reaches them.
func (s *Service) Rows(ctx context.Context, ownerID, jobID uuid.UUID, f repository.RowFilter) ([]model.ImportedTransactionRow, error) {
	if f.Status == "" && f.Duplicates == nil {
		job, err := s.store.GetJob(ctx, ownerID, jobID)
		if err != nil {
			return nil, err
		}
		if job.Settings.SkipDuplicates {
			noDups := false
			f.Duplicates = &noDups
		}
	}
	return s.store.ListRows(ctx, ownerID, jobID, f)
}

// Validations lists the diagnostics of a job.
func (s *Service) Validations(ctx context.Context, ownerID, jobID uuid.UUID) ([]model.ImportValidation, error) {
	return s.store.ListValidations(ctx, ownerID, jobID)
}

// Handle dispatches queue tasks to the import stages.
func (s *Service) Handle(ctx context.Context, t queue.Task) error {
	switch t.Kind {
	case queue.TaskValidate:
		return s.runValidation(ctx, t)
	case queue.TaskProcess:
		return s.runProcessing(ctx, t)
	default:
		return fmt.Errorf("unhandled task kind %q", t.Kind)
	}
}

func (s *Service) publish(ctx context.Context, kind queue.TaskKind, job *model.ImportJob) error {
	return s.tasks.Publish(ctx, queue.Task{
		Kind:    kind,
		JobID:   job.ID,
		OwnerID: job.OwnerID,
	})
}

// matchTemplate resolves a saved mapping: by explicit id first, then by the
// header fingerprint of the uploaded file. Best effort, never fails a create.
func (s *Service) matchTemplate(ctx context.Context, ownerID uuid.UUID, ft model.FileType, data []byte, templateID *uuid.UUID) *model.ImportTemplate {
	if templateID != nil {
		templates, err := s.store.ListTemplates(ctx, ownerID)
		if err != nil {
			return nil
		}
		for i := range templates {
			if templates[i].ID == *templateID {
				return &templates[i]
			}
		}
		return nil
	}

	if ft != model.FileTypeCSV {
		return nil
	}
	shape, err := sniffer.Detect(parser.DecodeText(data))
	if err != nil {
		return nil
	}
	t, err := s.store.TemplateByFingerprint(ctx, ownerID, shape.Fingerprint)
	if err != nil {
		return nil
	}
	return t
}

// readFile pulls the stored upload back into memory for parsing.
func (s *Service) readFile(ctx context.Context, job *model.ImportJob) ([]byte, error) {
	r, err := s.files.GetReader(ctx, job.OwnerID, job.FileID)
	if err != nil {
		return nil, fmt.Errorf("open stored file: %w", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read stored file: %w", err)
	}
	return data, nil
}

// dialect recovers the regional number/date dialect for a job. Only CSV
// carries enough raw text to probe; other formats rely on the job settings.
func (s *Service) dialect(job *model.ImportJob, data []byte) sniffer.Dialect {
	d := sniffer.Dialect{DecimalComma: job.Settings.DecimalComma}
	if job.FileType != model.FileTypeCSV {
		return d
	}
	shape, err := sniffer.Detect(parser.DecodeText(data))
	if err != nil {
		return d
	}
	probed := sniffer.ProbeDialect(shape.SampleRows, job.Mapping.Amount, job.Mapping.Date)
	if job.Settings.DecimalComma {
		probed.DecimalComma = true
	}
	return probed
}

// failJob moves a job to FAILED with a structured error detail and persists
// any accompanying validations.
func (s *Service) failJob(ctx context.Context, jobID uuid.UUID, from model.JobStatus, code, msg string, vs ...model.ImportValidation) error {
	for i := range vs {
		vs[i].JobID = jobID
	}
	if len(vs) > 0 {
		if err := s.store.AddValidations(ctx, vs); err != nil {
			s.logger.Warn("could not persist failure validations", "job_id", jobID, "error", err)
		}
	}
	err := s.store.TransitionJob(ctx, jobID, from, model.JobFailed, func(j *model.ImportJob) {
		now := s.now().UTC()
		j.CompletedAt = &now
		j.ErrorDetail = &model.ErrorDetail{Code: code, Message: msg}
	})
	if err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	s.metrics.jobFinished(model.JobFailed)
	s.recordAudit(ctx, model.AuditEvent{
		Action:       "import.fail",
		ResourceType: "import_job",
		ResourceID:   jobID.String(),
		Before:       string(from),
		After:        string(model.JobFailed),
	})
	s.logger.Error("import job failed", "job_id", jobID, "code", code, "message", msg)
	return nil
}

func (s *Service) recordAudit(ctx context.Context, ev model.AuditEvent) {
	if s.audit == nil {
		return
	}
	ev.At = s.now().UTC()
	s.audit.Record(ctx, ev)
}

// mappingFromSuggestion converts the sniffer's field map into the typed
// mapping value.
func mappingFromSuggestion(m map[string]string) model.ColumnMapping {
	return model.ColumnMapping{
		Date:        m["date"],
		Description: m["description"],
		Amount:      m["amount"],
		Debit:       m["debit"],
		Credit:      m["credit"],
		Account:     m["account"],
		Type:        m["type"],
		Currency:    m["currency"],
		Category:    m["category"],
	}
}
