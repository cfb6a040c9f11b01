package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duartevn/coinflow/internal/importer/dedupe"
	"github.com/duartevn/coinflow/internal/importer/model"
)

// Memory is the in-process Store used by tests and local development. All
// methods copy values on the way in and out so callers never share state with
// the store.
type Memory struct {
	mu          sync.RWMutex
	jobs        map[uuid.UUID]*model.ImportJob
	rows        map[uuid.UUID]*model.ImportedTransactionRow
	rowsByJob   map[uuid.UUID][]uuid.UUID
	validations map[uuid.UUID][]model.ImportValidation
	templates   map[uuid.UUID]*model.ImportTemplate
	models      map[uuid.UUID]*model.ModelVersion
	training    []model.TrainingExample
	leases      map[uuid.UUID]bool
	nextVersion int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:        make(map[uuid.UUID]*model.ImportJob),
		rows:        make(map[uuid.UUID]*model.ImportedTransactionRow),
		rowsByJob:   make(map[uuid.UUID][]uuid.UUID),
		validations: make(map[uuid.UUID][]model.ImportValidation),
		templates:   make(map[uuid.UUID]*model.ImportTemplate),
		models:      make(map[uuid.UUID]*model.ModelVersion),
		leases:      make(map[uuid.UUID]bool),
	}
}

var _ Store = (*Memory)(nil)

func copyJob(j *model.ImportJob) *model.ImportJob {
	out := *j
	return &out
}

func copyRow(r *model.ImportedTransactionRow) *model.ImportedTransactionRow {
	out := *r
	if r.Canonical != nil {
		c := *r.Canonical
		out.Canonical = &c
	}
	return &out
}

func (m *Memory) CreateJob(_ context.Context, job *model.ImportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	m.jobs[job.ID] = copyJob(job)
	return nil
}

func (m *Memory) GetJob(_ context.Context, ownerID, jobID uuid.UUID) (*model.ImportJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	if !ok || j.OwnerID != ownerID {
		return nil, model.ErrJobNotFound
	}
	return copyJob(j), nil
}

func (m *Memory) ListJobs(_ context.Context, ownerID uuid.UUID, limit, offset int) ([]model.ImportJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.ImportJob
	for _, j := range m.jobs {
		if j.OwnerID == ownerID {
			out = append(out, *copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return paginate(out, limit, offset), nil
}

func (m *Memory) TransitionJob(_ context.Context, jobID uuid.UUID, from, to model.JobStatus, update func(*model.ImportJob)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return model.ErrJobNotFound
	}
	if j.Status != from {
		return fmt.Errorf("%w: %s, want %s", model.ErrWrongStatus, j.Status, from)
	}
	if !model.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	j.Status = to
	if update != nil {
		update(j)
	}
	return nil
}

func (m *Memory) UpdateJobProgress(_ context.Context, job *model.ImportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[job.ID]
	if !ok {
		return model.ErrJobNotFound
	}
	j.TotalRows = job.TotalRows
	j.ProcessedRows = job.ProcessedRows
	j.SucceededRows = job.SucceededRows
	j.FailedRows = job.FailedRows
	j.DuplicateRows = job.DuplicateRows
	j.Checkpoint = job.Checkpoint
	j.ProgressPct = job.ProgressPct
	j.Attempt = job.Attempt
	return nil
}

func (m *Memory) UpdateJobMapping(_ context.Context, ownerID, jobID uuid.UUID, mapping model.ColumnMapping, settings model.JobSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.OwnerID != ownerID {
		return model.ErrJobNotFound
	}
	if j.Status != model.JobPending {
		return fmt.Errorf("%w: %s, want %s", model.ErrWrongStatus, j.Status, model.JobPending)
	}
	j.Mapping = mapping
	j.Settings = settings
	return nil
}

func (m *Memory) RequestCancel(_ context.Context, ownerID, jobID uuid.UUID) (*model.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.OwnerID != ownerID {
		return nil, model.ErrJobNotFound
	}
	if !j.Status.Terminal() {
		j.CancelRequested = true
	}
	// PENDING and VALIDATED jobs are not running, so cancellation applies
	// immediately instead of waiting for a worker to notice.
	if j.Status == model.JobPending || j.Status == model.JobValidated {
		j.Status = model.JobCancelled
		now := time.Now().UTC()
		j.CompletedAt = &now
	}
	return copyJob(j), nil
}

func (m *Memory) AcquireJobLease(_ context.Context, jobID uuid.UUID) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leases[jobID] {
		return nil, model.ErrJobLocked
	}
	m.leases[jobID] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.leases, jobID)
			m.mu.Unlock()
		})
	}, nil
}

func (m *Memory) InsertRows(_ context.Context, rows []*model.ImportedTransactionRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, r := range rows {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
		m.rows[r.ID] = copyRow(r)
		m.rowsByJob[r.JobID] = append(m.rowsByJob[r.JobID], r.ID)
	}
	return nil
}

func (m *Memory) GetRow(_ context.Context, ownerID, rowID uuid.UUID) (*model.ImportedTransactionRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rows[rowID]
	if !ok || r.OwnerID != ownerID {
		return nil, model.ErrRowNotFound
	}
	return copyRow(r), nil
}

func (m *Memory) ListRows(_ context.Context, ownerID, jobID uuid.UUID, f RowFilter) ([]model.ImportedTransactionRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.ImportedTransactionRow
	for _, id := range m.rowsByJob[jobID] {
		r := m.rows[id]
		if r.OwnerID != ownerID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Duplicates != nil && r.Duplicate != *f.Duplicates {
			continue
		}
		out = append(out, *copyRow(r))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].RowNumber < out[k].RowNumber })
	return paginate(out, f.Limit, f.Offset), nil
}

func (m *Memory) UpdateRow(_ context.Context, row *model.ImportedTransactionRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[row.ID]; !ok {
		return model.ErrRowNotFound
	}
	row.UpdatedAt = time.Now().UTC()
	m.rows[row.ID] = copyRow(row)
	return nil
}

func (m *Memory) DeleteRowsFromChunk(_ context.Context, jobID uuid.UUID, fromRowNumber int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rowsByJob[jobID][:0]
	for _, id := range m.rowsByJob[jobID] {
		if m.rows[id].RowNumber >= fromRowNumber {
			delete(m.rows, id)
			continue
		}
		kept = append(kept, id)
	}
	m.rowsByJob[jobID] = kept
	return nil
}

func (m *Memory) History(_ context.Context, ownerID uuid.UUID, since time.Time) ([]dedupe.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []dedupe.HistoryEntry
	for _, r := range m.rows {
		if r.OwnerID != ownerID || r.Canonical == nil {
			continue
		}
		if r.Status != model.RowApproved {
			continue
		}
		if r.Canonical.Date.Before(since) {
			continue
		}
		out = append(out, dedupe.HistoryEntry{
			ID:          r.ID,
			Date:        r.Canonical.Date,
			Description: r.Canonical.Description,
			AmountCents: r.Canonical.AmountCents,
			AccountHint: r.Canonical.AccountHint,
		})
	}
	return out, nil
}

func (m *Memory) AddValidations(_ context.Context, vs []model.ImportValidation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, v := range vs {
		if v.ID == uuid.Nil {
			v.ID = uuid.New()
		}
		if v.CreatedAt.IsZero() {
			v.CreatedAt = now
		}
		m.validations[v.JobID] = append(m.validations[v.JobID], v)
	}
	return nil
}

func (m *Memory) ListValidations(_ context.Context, ownerID, jobID uuid.UUID) ([]model.ImportValidation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if j, ok := m.jobs[jobID]; !ok || j.OwnerID != ownerID {
		return nil, model.ErrJobNotFound
	}
	return append([]model.ImportValidation(nil), m.validations[jobID]...), nil
}

func (m *Memory) SaveTemplate(_ context.Context, t *model.ImportTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	// One template per owner and fingerprint; saving again replaces it.
	for _, existing := range m.templates {
		if existing.OwnerID == t.OwnerID && existing.Fingerprint == t.Fingerprint {
			t.ID = existing.ID
			t.CreatedAt = existing.CreatedAt
			t.UpdatedAt = now
			cp := *t
			m.templates[t.ID] = &cp
			return nil
		}
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	cp := *t
	m.templates[t.ID] = &cp
	return nil
}

func (m *Memory) TemplateByFingerprint(_ context.Context, ownerID uuid.UUID, fingerprint string) (*model.ImportTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.templates {
		if t.OwnerID == ownerID && t.Fingerprint == fingerprint {
			cp := *t
			return &cp, nil
		}
	}
	return nil, model.ErrTemplateNotFound
}

func (m *Memory) ListTemplates(_ context.Context, ownerID uuid.UUID) ([]model.ImportTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.ImportTemplate
	for _, t := range m.templates {
		if t.OwnerID == ownerID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

func (m *Memory) DeleteTemplate(_ context.Context, ownerID, templateID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[templateID]
	if !ok || t.OwnerID != ownerID {
		return model.ErrTemplateNotFound
	}
	delete(m.templates, templateID)
	return nil
}

func (m *Memory) SaveModelVersion(_ context.Context, mv *model.ModelVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mv.ID == uuid.Nil {
		mv.ID = uuid.New()
	}
	m.nextVersion++
	mv.Version = m.nextVersion
	if mv.CreatedAt.IsZero() {
		mv.CreatedAt = time.Now().UTC()
	}
	cp := *mv
	m.models[mv.ID] = &cp
	return nil
}

func (m *Memory) ActiveModelVersion(_ context.Context) (*model.ModelVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mv := range m.models {
		if mv.Active {
			cp := *mv
			return &cp, nil
		}
	}
	return nil, model.ErrNoActiveModel
}

func (m *Memory) ModelVersionByID(_ context.Context, id uuid.UUID) (*model.ModelVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mv, ok := m.models[id]
	if !ok {
		return nil, model.ErrNoActiveModel
	}
	cp := *mv
	return &cp, nil
}

func (m *Memory) ActivateModelVersion(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.models[id]
	if !ok {
		return model.ErrNoActiveModel
	}
	for _, mv := range m.models {
		mv.Active = false
	}
	target.Active = true
	return nil
}

func (m *Memory) ListModelVersions(_ context.Context) ([]model.ModelVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.ModelVersion, 0, len(m.models))
	for _, mv := range m.models {
		out = append(out, *mv)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Version > out[k].Version })
	return out, nil
}

func (m *Memory) EnqueueExamples(_ context.Context, examples []model.TrainingExample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, ex := range examples {
		if ex.ID == uuid.Nil {
			ex.ID = uuid.New()
		}
		if ex.CreatedAt.IsZero() {
			ex.CreatedAt = now
		}
		m.training = append(m.training, ex)
	}
	return nil
}

func (m *Memory) TrainingExamples(_ context.Context, limit int) ([]model.TrainingExample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]model.TrainingExample(nil), m.training...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
