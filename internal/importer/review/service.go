// Package review exposes the per-row decisions on an import job: approve,
// reject, recategorize, singly or in bulk. Approval materializes the row into
// permanent transaction storage exactly once; corrections feed the classifier
// training queue.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/duartevn/coinflow/internal/importer/model"
	"github.com/duartevn/coinflow/internal/importer/repository"
)

var (
	// ErrNotReviewable marks a row without canonical data; it failed
	// canonicalization and carries only diagnostics.
	ErrNotReviewable = errors.New("row has no canonical data to review")

	// ErrAlreadyMaterialized guards rows that already landed in permanent
	// storage; they can no longer be rejected or recategorized here.
	ErrAlreadyMaterialized = errors.New("row is already materialized as a transaction")
)

// TransactionStore is the permanent ledger the import engine feeds. The
// implementation lives outside this module.
type TransactionStore interface {
	// CreateTransaction materializes one approved row and returns the
	// permanent transaction id.
	CreateTransaction(ctx context.Context, row *model.ImportedTransactionRow) (string, error)
}

// AuditSink receives review decisions.
type AuditSink interface {
	Record(ctx context.Context, ev model.AuditEvent)
}

// Action is one bulk review verb.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// BulkResult reports per-row outcomes of a bulk decision. Failures do not
// abort the rest of the batch.
type BulkResult struct {
	Succeeded int                  `json:"succeeded"`
	Failed    map[uuid.UUID]string `json:"failed,omitempty"`
}

// Service applies review decisions to imported rows.
type Service struct {
	store  repository.Store
	ledger TransactionStore
	logger *slog.Logger
	audit  AuditSink
	now    func() time.Time
}

// NewService wires the review surface.
func NewService(store repository.Store, ledger TransactionStore, logger *slog.Logger) *Service {
	return &Service{store: store, ledger: ledger, logger: logger, now: time.Now}
}

// WithAudit attaches the audit sink.
func (s *Service) WithAudit(a AuditSink) *Service {
	s.audit = a
	return s
}

// Approve materializes a row into permanent storage. Idempotent: a row that
// already holds a transaction id is returned unchanged, the ledger is never
// written twice for the same row.
func (s *Service) Approve(ctx context.Context, ownerID, rowID uuid.UUID) (*model.ImportedTransactionRow, error) {
	row, err := s.store.GetRow(ctx, ownerID, rowID)
	if err != nil {
		return nil, err
	}
	if row.TransactionID != nil {
		return row, nil
	}
	if row.Canonical == nil {
		return nil, ErrNotReviewable
	}

	txID, err := s.ledger.CreateTransaction(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("materialize row %s: %w", rowID, err)
	}

	before := row.Status
	row.TransactionID = &txID
	row.Status = model.RowApproved
	row.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateRow(ctx, row); err != nil {
		// The ledger write already happened; surface the inconsistency loudly
		// instead of hiding it behind a retry.
		s.logger.Error("row materialized but status update failed",
			"row_id", rowID, "transaction_id", txID, "error", err)
		return nil, err
	}

	s.enqueueTraining(ctx, row, "approval")
	s.recordAudit(ctx, ownerID, "row.approve", rowID, string(before), string(model.RowApproved))
	return row, nil
}

// Reject parks a row as rejected. Rejected rows are kept as provenance and
// never reach permanent storage.
func (s *Service) Reject(ctx context.Context, ownerID, rowID uuid.UUID) (*model.ImportedTransactionRow, error) {
	row, err := s.store.GetRow(ctx, ownerID, rowID)
	if err != nil {
		return nil, err
	}
	if row.TransactionID != nil {
		return nil, ErrAlreadyMaterialized
	}
	if row.Status == model.RowRejected {
		return row, nil
	}

	before := row.Status
	row.Status = model.RowRejected
	row.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateRow(ctx, row); err != nil {
		return nil, err
	}

	s.recordAudit(ctx, ownerID, "row.reject", rowID, string(before), string(model.RowRejected))
	return row, nil
}

// Recategorize overrides the category of a row before approval. The
// correction is queued for the next retraining pass.
func (s *Service) Recategorize(ctx context.Context, ownerID, rowID uuid.UUID, category string) (*model.ImportedTransactionRow, error) {
	if category == "" {
		return nil, errors.New("category must not be empty")
	}
	row, err := s.store.GetRow(ctx, ownerID, rowID)
	if err != nil {
		return nil, err
	}
	if row.TransactionID != nil {
		return nil, ErrAlreadyMaterialized
	}
	if row.Canonical == nil {
		return nil, ErrNotReviewable
	}

	before := row.Category
	row.Category = category
	row.Confidence = 1
	row.AutoCategorized = false
	row.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateRow(ctx, row); err != nil {
		return nil, err
	}

	s.enqueueTraining(ctx, row, "correction")
	s.recordAudit(ctx, ownerID, "row.recategorize", rowID, before, category)
	return row, nil
}

// Bulk applies one action to many rows, continuing past individual failures.
func (s *Service) Bulk(ctx context.Context, ownerID uuid.UUID, action Action, rowIDs []uuid.UUID) (*BulkResult, error) {
	res := &BulkResult{}
	for _, id := range rowIDs {
		var err error
		switch action {
		case ActionApprove:
			_, err = s.Approve(ctx, ownerID, id)
		case ActionReject:
			_, err = s.Reject(ctx, ownerID, id)
		default:
			return nil, fmt.Errorf("unknown bulk action %q", action)
		}
		if err != nil {
			if res.Failed == nil {
				res.Failed = make(map[uuid.UUID]string)
			}
			res.Failed[id] = err.Error()
			continue
		}
		res.Succeeded++
	}
	s.logger.Info("bulk review decision applied",
		"owner_id", ownerID, "action", action,
		"succeeded", res.Succeeded, "failed", len(res.Failed))
	return res, nil
}

// enqueueTraining feeds a categorized description into the training queue.
// Best effort: a queue failure never undoes a review decision.
func (s *Service) enqueueTraining(ctx context.Context, row *model.ImportedTransactionRow, source string) {
	if row.Category == "" || row.Canonical == nil {
		return
	}
	err := s.store.EnqueueExamples(ctx, []model.TrainingExample{{
		OwnerID:     row.OwnerID,
		Description: row.Canonical.Description,
		Category:    row.Category,
		Source:      source,
		CreatedAt:   s.now().UTC(),
	}})
	if err != nil {
		s.logger.Warn("could not enqueue training example", "row_id", row.ID, "error", err)
	}
}

func (s *Service) recordAudit(ctx context.Context, actor uuid.UUID, action string, rowID uuid.UUID, before, after string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, model.AuditEvent{
		Actor:        actor,
		Action:       action,
		ResourceType: "import_row",
		ResourceID:   rowID.String(),
		Before:       before,
		After:        after,
		At:           s.now().UTC(),
	})
}
