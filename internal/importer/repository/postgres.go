package repository

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duartevn/coinflow/internal/importer/dedupe"
	"github.com/duartevn/coinflow/internal/importer/model"
)

// Postgres is the production Store on pgx. Jobs, rows and validations map to
// their own tables; the single-writer job lease rides on session advisory
// locks so a crashed worker releases it with its connection.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres creates the Postgres store.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

var _ Store = (*Postgres)(nil)

func (p *Postgres) CreateJob(ctx context.Context, job *model.ImportJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	mapping, err := json.Marshal(job.Mapping)
	if err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}
	settings, err := json.Marshal(job.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	query := `
		INSERT INTO import_jobs (
			id, owner_id, filename, file_type, size_bytes, content_hash, file_id,
			status, mapping, template_id, settings, checkpoint, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`
	_, err = p.db.Exec(ctx, query,
		job.ID, job.OwnerID, job.Filename, job.FileType, job.SizeBytes,
		job.ContentHash, job.FileID, job.Status, mapping, job.TemplateID,
		settings, job.Checkpoint, job.CreatedAt,
	)
	if err != nil {
		return &model.StorageError{Op: "create job", Err: err}
	}
	return nil
}

const jobColumns = `
	id, owner_id, filename, file_type, size_bytes, content_hash, file_id,
	status, progress_pct, total_rows, processed_rows, succeeded_rows,
	failed_rows, duplicate_rows, mapping, template_id, settings, checkpoint,
	attempt, cancel_requested, error_detail, created_at, started_at, completed_at
`

func scanJob(row pgx.Row) (*model.ImportJob, error) {
	var j model.ImportJob
	var mapping, settings []byte
	var errDetail []byte
	err := row.Scan(
		&j.ID, &j.OwnerID, &j.Filename, &j.FileType, &j.SizeBytes,
		&j.ContentHash, &j.FileID, &j.Status, &j.ProgressPct, &j.TotalRows,
		&j.ProcessedRows, &j.SucceededRows, &j.FailedRows, &j.DuplicateRows,
		&mapping, &j.TemplateID, &settings, &j.Checkpoint, &j.Attempt,
		&j.CancelRequested, &errDetail, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(mapping, &j.Mapping); err != nil {
		return nil, fmt.Errorf("decode mapping: %w", err)
	}
	if err := json.Unmarshal(settings, &j.Settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if len(errDetail) > 0 {
		j.ErrorDetail = &model.ErrorDetail{}
		if err := json.Unmarshal(errDetail, j.ErrorDetail); err != nil {
			return nil, fmt.Errorf("decode error detail: %w", err)
		}
	}
	return &j, nil
}

func (p *Postgres) GetJob(ctx context.Context, ownerID, jobID uuid.UUID) (*model.ImportJob, error) {
	query := `SELECT ` + jobColumns + ` FROM import_jobs WHERE id = $1 AND owner_id = $2`
	j, err := scanJob(p.db.QueryRow(ctx, query, jobID, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrJobNotFound
	}
	if err != nil {
		return nil, &model.StorageError{Op: "get job", Err: err}
	}
	return j, nil
}

func (p *Postgres) ListJobs(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]model.ImportJob, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + `
		FROM import_jobs WHERE owner_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := p.db.Query(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, &model.StorageError{Op: "list jobs", Err: err}
	}
	defer rows.Close()

	var out []model.ImportJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, &model.StorageError{Op: "list jobs", Err: err}
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (p *Postgres) TransitionJob(ctx context.Context, jobID uuid.UUID, from, to model.JobStatus, update func(*model.ImportJob)) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}

	return pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		query := `SELECT ` + jobColumns + ` FROM import_jobs WHERE id = $1 FOR UPDATE`
		j, err := scanJob(tx.QueryRow(ctx, query, jobID))
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrJobNotFound
		}
		if err != nil {
			return &model.StorageError{Op: "transition job", Err: err}
		}
		if j.Status != from {
			return fmt.Errorf("%w: %s, want %s", model.ErrWrongStatus, j.Status, from)
		}

		j.Status = to
		if update != nil {
			update(j)
		}
		errDetail, err := json.Marshal(j.ErrorDetail)
		if err != nil {
			return fmt.Errorf("encode error detail: %w", err)
		}
		if j.ErrorDetail == nil {
			errDetail = nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE import_jobs SET
				status = $2, progress_pct = $3, total_rows = $4,
				processed_rows = $5, succeeded_rows = $6, failed_rows = $7,
				duplicate_rows = $8, checkpoint = $9, attempt = $10,
				cancel_requested = $11, error_detail = $12,
				started_at = $13, completed_at = $14
			WHERE id = $1`,
			j.ID, j.Status, j.ProgressPct, j.TotalRows, j.ProcessedRows,
			j.SucceededRows, j.FailedRows, j.DuplicateRows, j.Checkpoint,
			j.Attempt, j.CancelRequested, errDetail, j.StartedAt, j.CompletedAt,
		)
		if err != nil {
			return &model.StorageError{Op: "transition job", Err: err}
		}
		return nil
	})
}

func (p *Postgres) UpdateJobProgress(ctx context.Context, job *model.ImportJob) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE import_jobs SET
			total_rows = $2, processed_rows = $3, succeeded_rows = $4,
			failed_rows = $5, duplicate_rows = $6, checkpoint = $7,
			progress_pct = $8, attempt = $9
		WHERE id = $1`,
		job.ID, job.TotalRows, job.ProcessedRows, job.SucceededRows,
		job.FailedRows, job.DuplicateRows, job.Checkpoint, job.ProgressPct,
		job.Attempt,
	)
	if err != nil {
		return &model.StorageError{Op: "update progress", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return model.ErrJobNotFound
	}
	return nil
}

func (p *Postgres) UpdateJobMapping(ctx context.Context, ownerID, jobID uuid.UUID, mapping model.ColumnMapping, settings model.JobSettings) error {
	mappingJSON, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	tag, err := p.db.Exec(ctx, `
		UPDATE import_jobs SET mapping = $3, settings = $4
		WHERE id = $1 AND owner_id = $2 AND status = 'PENDING'`,
		jobID, ownerID, mappingJSON, settingsJSON,
	)
	if err != nil {
		return &model.StorageError{Op: "update mapping", Err: err}
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing job from one that already moved on.
		if _, gerr := p.GetJob(ctx, ownerID, jobID); gerr != nil {
			return gerr
		}
		return fmt.Errorf("%w: mapping changes require %s", model.ErrWrongStatus, model.JobPending)
	}
	return nil
}

func (p *Postgres) RequestCancel(ctx context.Context, ownerID, jobID uuid.UUID) (*model.ImportJob, error) {
	query := `
		UPDATE import_jobs SET
			cancel_requested = CASE WHEN status IN ('COMPLETED','FAILED','CANCELLED') THEN cancel_requested ELSE TRUE END,
			status = CASE WHEN status IN ('PENDING','VALIDATED') THEN 'CANCELLED' ELSE status END,
			completed_at = CASE WHEN status IN ('PENDING','VALIDATED') THEN NOW() ELSE completed_at END
		WHERE id = $1 AND owner_id = $2
		RETURNING ` + jobColumns
	j, err := scanJob(p.db.QueryRow(ctx, query, jobID, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrJobNotFound
	}
	if err != nil {
		return nil, &model.StorageError{Op: "request cancel", Err: err}
	}
	return j, nil
}

// jobLockKey folds the job UUID into the bigint keyspace of advisory locks.
func jobLockKey(jobID uuid.UUID) int64 {
	return int64(binary.BigEndian.Uint64(jobID[:8]))
}

func (p *Postgres) AcquireJobLease(ctx context.Context, jobID uuid.UUID) (func(), error) {
	conn, err := p.db.Acquire(ctx)
	if err != nil {
		return nil, &model.StorageError{Op: "acquire lease", Err: err}
	}

	var got bool
	key := jobLockKey(jobID)
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&got); err != nil {
		conn.Release()
		return nil, &model.StorageError{Op: "acquire lease", Err: err}
	}
	if !got {
		conn.Release()
		return nil, model.ErrJobLocked
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// Best effort: closing the connection would drop the session
			// lock anyway.
			_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
			conn.Release()
		})
	}
	return release, nil
}

func (p *Postgres) InsertRows(ctx context.Context, rows []*model.ImportedTransactionRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, r := range rows {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		raw, err := json.Marshal(r.Raw)
		if err != nil {
			return fmt.Errorf("encode raw row: %w", err)
		}
		var date *time.Time
		var desc, currency, accountHint, direction, rawCategory *string
		var amountCents *int64
		if c := r.Canonical; c != nil {
			date, desc = &c.Date, &c.Description
			amountCents = &c.AmountCents
			currency, accountHint = &c.Currency, &c.AccountHint
			d := string(c.Direction)
			direction, rawCategory = &d, &c.RawCategory
		}
		batch.Queue(`
			INSERT INTO import_rows (
				id, job_id, owner_id, row_number, raw,
				txn_date, description, amount_cents, currency, account_hint,
				direction, raw_category,
				category, confidence, auto_categorized, model_version_id,
				duplicate, duplicate_of, status, transaction_id,
				created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$21)`,
			r.ID, r.JobID, r.OwnerID, r.RowNumber, raw,
			date, desc, amountCents, currency, accountHint,
			direction, rawCategory,
			r.Category, r.Confidence, r.AutoCategorized, r.ModelVersionID,
			r.Duplicate, r.DuplicateOf, r.Status, r.TransactionID,
			now,
		)
	}
	results := p.db.SendBatch(ctx, batch)
	defer results.Close()
	for range rows {
		if _, err := results.Exec(); err != nil {
			return &model.StorageError{Op: "insert rows", Err: err}
		}
	}
	return nil
}

const rowColumns = `
	id, job_id, owner_id, row_number, raw,
	txn_date, description, amount_cents, currency, account_hint,
	direction, raw_category,
	category, confidence, auto_categorized, model_version_id,
	duplicate, duplicate_of, status, transaction_id, created_at, updated_at
`

func scanImportRow(row pgx.Row) (*model.ImportedTransactionRow, error) {
	var r model.ImportedTransactionRow
	var raw []byte
	var date *time.Time
	var desc, currency, accountHint, direction, rawCategory *string
	var amountCents *int64
	err := row.Scan(
		&r.ID, &r.JobID, &r.OwnerID, &r.RowNumber, &raw,
		&date, &desc, &amountCents, &currency, &accountHint,
		&direction, &rawCategory,
		&r.Category, &r.Confidence, &r.AutoCategorized, &r.ModelVersionID,
		&r.Duplicate, &r.DuplicateOf, &r.Status, &r.TransactionID,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &r.Raw); err != nil {
		return nil, fmt.Errorf("decode raw row: %w", err)
	}
	if date != nil {
		r.Canonical = &model.CanonicalRow{
			Date:        *date,
			Description: deref(desc),
			AmountCents: derefInt(amountCents),
			Currency:    deref(currency),
			AccountHint: deref(accountHint),
			Direction:   model.Direction(deref(direction)),
			RawCategory: deref(rawCategory),
		}
	}
	return &r, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func (p *Postgres) GetRow(ctx context.Context, ownerID, rowID uuid.UUID) (*model.ImportedTransactionRow, error) {
	query := `SELECT ` + rowColumns + ` FROM import_rows WHERE id = $1 AND owner_id = $2`
	r, err := scanImportRow(p.db.QueryRow(ctx, query, rowID, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrRowNotFound
	}
	if err != nil {
		return nil, &model.StorageError{Op: "get row", Err: err}
	}
	return r, nil
}

func (p *Postgres) ListRows(ctx context.Context, ownerID, jobID uuid.UUID, f RowFilter) ([]model.ImportedTransactionRow, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	query := `SELECT ` + rowColumns + `
		FROM import_rows
		WHERE job_id = $1 AND owner_id = $2
		  AND ($3 = '' OR status = $3)
		  AND ($4::boolean IS NULL OR duplicate = $4)
		ORDER BY row_number
		LIMIT $5 OFFSET $6`
	rows, err := p.db.Query(ctx, query, jobID, ownerID, string(f.Status), f.Duplicates, f.Limit, f.Offset)
	if err != nil {
		return nil, &model.StorageError{Op: "list rows", Err: err}
	}
	defer rows.Close()

	var out []model.ImportedTransactionRow
	for rows.Next() {
		r, err := scanImportRow(rows)
		if err != nil {
			return nil, &model.StorageError{Op: "list rows", Err: err}
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateRow(ctx context.Context, row *model.ImportedTransactionRow) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE import_rows SET
			category = $2, confidence = $3, auto_categorized = $4,
			model_version_id = $5, duplicate = $6, duplicate_of = $7,
			status = $8, transaction_id = $9, updated_at = NOW()
		WHERE id = $1`,
		row.ID, row.Category, row.Confidence, row.AutoCategorized,
		row.ModelVersionID, row.Duplicate, row.DuplicateOf, row.Status,
		row.TransactionID,
	)
	if err != nil {
		return &model.StorageError{Op: "update row", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return model.ErrRowNotFound
	}
	return nil
}

func (p *Postgres) DeleteRowsFromChunk(ctx context.Context, jobID uuid.UUID, fromRowNumber int) error {
	_, err := p.db.Exec(ctx,
		`DELETE FROM import_rows WHERE job_id = $1 AND row_number >= $2`,
		jobID, fromRowNumber,
	)
	if err != nil {
		return &model.StorageError{Op: "delete rows", Err: err}
	}
	return nil
}

func (p *Postgres) History(ctx context.Context, ownerID uuid.UUID, since time.Time) ([]dedupe.HistoryEntry, error) {
	query := `
		SELECT id, txn_date, description, amount_cents, account_hint
		FROM import_rows
		WHERE owner_id = $1 AND status = 'APPROVED'
		  AND txn_date >= $2
	`
	rows, err := p.db.Query(ctx, query, ownerID, since)
	if err != nil {
		return nil, &model.StorageError{Op: "dedupe history", Err: err}
	}
	defer rows.Close()

	var out []dedupe.HistoryEntry
	for rows.Next() {
		var e dedupe.HistoryEntry
		var hint *string
		if err := rows.Scan(&e.ID, &e.Date, &e.Description, &e.AmountCents, &hint); err != nil {
			return nil, &model.StorageError{Op: "dedupe history", Err: err}
		}
		e.AccountHint = deref(hint)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) AddValidations(ctx context.Context, vs []model.ImportValidation) error {
	if len(vs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, v := range vs {
		if v.ID == uuid.Nil {
			v.ID = uuid.New()
		}
		batch.Queue(`
			INSERT INTO import_validations (id, job_id, row_number, severity, field, message, suggestion, resolved, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())`,
			v.ID, v.JobID, v.RowNumber, v.Severity, v.Field, v.Message, v.Suggestion, v.Resolved,
		)
	}
	results := p.db.SendBatch(ctx, batch)
	defer results.Close()
	for range vs {
		if _, err := results.Exec(); err != nil {
			return &model.StorageError{Op: "add validations", Err: err}
		}
	}
	return nil
}

func (p *Postgres) ListValidations(ctx context.Context, ownerID, jobID uuid.UUID) ([]model.ImportValidation, error) {
	query := `
		SELECT v.id, v.job_id, v.row_number, v.severity, v.field, v.message, v.suggestion, v.resolved, v.created_at
		FROM import_validations v
		JOIN import_jobs j ON j.id = v.job_id
		WHERE v.job_id = $1 AND j.owner_id = $2
		ORDER BY v.row_number NULLS FIRST, v.created_at
	`
	rows, err := p.db.Query(ctx, query, jobID, ownerID)
	if err != nil {
		return nil, &model.StorageError{Op: "list validations", Err: err}
	}
	defer rows.Close()

	var out []model.ImportValidation
	for rows.Next() {
		var v model.ImportValidation
		if err := rows.Scan(&v.ID, &v.JobID, &v.RowNumber, &v.Severity, &v.Field, &v.Message, &v.Suggestion, &v.Resolved, &v.CreatedAt); err != nil {
			return nil, &model.StorageError{Op: "list validations", Err: err}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveTemplate(ctx context.Context, t *model.ImportTemplate) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	mapping, err := json.Marshal(t.Mapping)
	if err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}
	settings, err := json.Marshal(t.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	query := `
		INSERT INTO import_templates (id, owner_id, name, file_type, fingerprint, mapping, settings, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW(),NOW())
		ON CONFLICT (owner_id, fingerprint) DO UPDATE
		SET name = EXCLUDED.name, file_type = EXCLUDED.file_type,
		    mapping = EXCLUDED.mapping, settings = EXCLUDED.settings,
		    updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	err = p.db.QueryRow(ctx, query, t.ID, t.OwnerID, t.Name, t.FileType, t.Fingerprint, mapping, settings).
		Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return &model.StorageError{Op: "save template", Err: err}
	}
	return nil
}

const templateColumns = `id, owner_id, name, file_type, fingerprint, mapping, settings, created_at, updated_at`

func scanTemplate(row pgx.Row) (*model.ImportTemplate, error) {
	var t model.ImportTemplate
	var mapping, settings []byte
	err := row.Scan(&t.ID, &t.OwnerID, &t.Name, &t.FileType, &t.Fingerprint, &mapping, &settings, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(mapping, &t.Mapping); err != nil {
		return nil, fmt.Errorf("decode mapping: %w", err)
	}
	if err := json.Unmarshal(settings, &t.Settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return &t, nil
}

func (p *Postgres) TemplateByFingerprint(ctx context.Context, ownerID uuid.UUID, fingerprint string) (*model.ImportTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM import_templates WHERE owner_id = $1 AND fingerprint = $2`
	t, err := scanTemplate(p.db.QueryRow(ctx, query, ownerID, fingerprint))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrTemplateNotFound
	}
	if err != nil {
		return nil, &model.StorageError{Op: "get template", Err: err}
	}
	return t, nil
}

func (p *Postgres) ListTemplates(ctx context.Context, ownerID uuid.UUID) ([]model.ImportTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM import_templates WHERE owner_id = $1 ORDER BY name`
	rows, err := p.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, &model.StorageError{Op: "list templates", Err: err}
	}
	defer rows.Close()

	var out []model.ImportTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, &model.StorageError{Op: "list templates", Err: err}
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteTemplate(ctx context.Context, ownerID, templateID uuid.UUID) error {
	tag, err := p.db.Exec(ctx,
		`DELETE FROM import_templates WHERE id = $1 AND owner_id = $2`,
		templateID, ownerID,
	)
	if err != nil {
		return &model.StorageError{Op: "delete template", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return model.ErrTemplateNotFound
	}
	return nil
}

func (p *Postgres) SaveModelVersion(ctx context.Context, mv *model.ModelVersion) error {
	if mv.ID == uuid.Nil {
		mv.ID = uuid.New()
	}
	query := `
		INSERT INTO classifier_models (id, version, accuracy, training_rows, features, active, blob, created_at)
		VALUES ($1, (SELECT COALESCE(MAX(version),0)+1 FROM classifier_models), $2, $3, $4, FALSE, $5, NOW())
		RETURNING version, created_at
	`
	err := p.db.QueryRow(ctx, query, mv.ID, mv.Accuracy, mv.TrainingRows, mv.Features, mv.Blob).
		Scan(&mv.Version, &mv.CreatedAt)
	if err != nil {
		return &model.StorageError{Op: "save model version", Err: err}
	}
	return nil
}

const modelColumns = `id, version, accuracy, training_rows, features, active, blob, created_at`

func scanModel(row pgx.Row) (*model.ModelVersion, error) {
	var mv model.ModelVersion
	err := row.Scan(&mv.ID, &mv.Version, &mv.Accuracy, &mv.TrainingRows, &mv.Features, &mv.Active, &mv.Blob, &mv.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &mv, nil
}

func (p *Postgres) ActiveModelVersion(ctx context.Context) (*model.ModelVersion, error) {
	mv, err := scanModel(p.db.QueryRow(ctx, `SELECT `+modelColumns+` FROM classifier_models WHERE active LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNoActiveModel
	}
	if err != nil {
		return nil, &model.StorageError{Op: "active model", Err: err}
	}
	return mv, nil
}

func (p *Postgres) ModelVersionByID(ctx context.Context, id uuid.UUID) (*model.ModelVersion, error) {
	mv, err := scanModel(p.db.QueryRow(ctx, `SELECT `+modelColumns+` FROM classifier_models WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNoActiveModel
	}
	if err != nil {
		return nil, &model.StorageError{Op: "get model", Err: err}
	}
	return mv, nil
}

func (p *Postgres) ActivateModelVersion(ctx context.Context, id uuid.UUID) error {
	return pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE classifier_models SET active = FALSE WHERE active`); err != nil {
			return &model.StorageError{Op: "activate model", Err: err}
		}
		tag, err := tx.Exec(ctx, `UPDATE classifier_models SET active = TRUE WHERE id = $1`, id)
		if err != nil {
			return &model.StorageError{Op: "activate model", Err: err}
		}
		if tag.RowsAffected() == 0 {
			return model.ErrNoActiveModel
		}
		return nil
	})
}

func (p *Postgres) ListModelVersions(ctx context.Context) ([]model.ModelVersion, error) {
	rows, err := p.db.Query(ctx, `SELECT `+modelColumns+` FROM classifier_models ORDER BY version DESC`)
	if err != nil {
		return nil, &model.StorageError{Op: "list models", Err: err}
	}
	defer rows.Close()

	var out []model.ModelVersion
	for rows.Next() {
		mv, err := scanModel(rows)
		if err != nil {
			return nil, &model.StorageError{Op: "list models", Err: err}
		}
		out = append(out, *mv)
	}
	return out, rows.Err()
}

func (p *Postgres) EnqueueExamples(ctx context.Context, examples []model.TrainingExample) error {
	if len(examples) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ex := range examples {
		if ex.ID == uuid.Nil {
			ex.ID = uuid.New()
		}
		batch.Queue(`
			INSERT INTO training_examples (id, owner_id, description, category, source, created_at)
			VALUES ($1,$2,$3,$4,$5,NOW())`,
			ex.ID, ex.OwnerID, ex.Description, ex.Category, ex.Source,
		)
	}
	results := p.db.SendBatch(ctx, batch)
	defer results.Close()
	for range examples {
		if _, err := results.Exec(); err != nil {
			return &model.StorageError{Op: "enqueue examples", Err: err}
		}
	}
	return nil
}

func (p *Postgres) TrainingExamples(ctx context.Context, limit int) ([]model.TrainingExample, error) {
	if limit <= 0 {
		limit = 100000
	}
	rows, err := p.db.Query(ctx, `
		SELECT id, owner_id, description, category, source, created_at
		FROM training_examples ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, &model.StorageError{Op: "training examples", Err: err}
	}
	defer rows.Close()

	var out []model.TrainingExample
	for rows.Next() {
		var ex model.TrainingExample
		if err := rows.Scan(&ex.ID, &ex.OwnerID, &ex.Description, &ex.Category, &ex.Source, &ex.CreatedAt); err != nil {
			return nil, &model.StorageError{Op: "training examples", Err: err}
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}
