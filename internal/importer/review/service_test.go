package review

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duartevn/coinflow/internal/importer/model"
	"github.com/duartevn/coinflow/internal/importer/repository"
)

type fakeLedger struct {
	mu      sync.Mutex
	calls   int
	fail    bool
	created map[uuid.UUID]string
}

func (f *fakeLedger) CreateTransaction(_ context.Context, row *model.ImportedTransactionRow) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("ledger unavailable")
	}
	f.calls++
	if f.created == nil {
		f.created = make(map[uuid.UUID]string)
	}
	id := "txn-" + uuid.NewString()
	f.created[row.ID] = id
	return id, nil
}

func seedRow(t *testing.T, store *repository.Memory, ownerID uuid.UUID, category string) *model.ImportedTransactionRow {
	t.Helper()
	row := &model.ImportedTransactionRow{
		ID:        uuid.New(),
		JobID:     uuid.New(),
		OwnerID:   ownerID,
		RowNumber: 2,
		Raw:       map[string]string{"Description": "COFFEE SHOP"},
		Canonical: &model.CanonicalRow{
			Date:        time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
			Description: "COFFEE SHOP",
			AmountCents: -450,
			Currency:    "EUR",
			Direction:   model.DirectionDebit,
		},
		Category:   category,
		Confidence: 0.3,
		Status:     model.RowPending,
	}
	require.NoError(t, store.InsertRows(context.Background(), []*model.ImportedTransactionRow{row}))
	return row
}

func newTestService(t *testing.T) (*Service, *repository.Memory, *fakeLedger) {
	t.Helper()
	store := repository.NewMemory()
	ledger := &fakeLedger{}
	svc := NewService(store, ledger, slog.New(slog.DiscardHandler))
	return svc, store, ledger
}

func TestApproveMaterializesOnce(t *testing.T) {
	ctx := context.Background()
	ownerID := uuid.New()
	svc, store, ledger := newTestService(t)
	row := seedRow(t, store, ownerID, "restaurants")

	approved, err := svc.Approve(ctx, ownerID, row.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RowApproved, approved.Status)
	require.NotNil(t, approved.TransactionID)
	assert.Equal(t, 1, ledger.calls)

	// Approving again is a no-op for the ledger.
	again, err := svc.Approve(ctx, ownerID, row.ID)
	require.NoError(t, err)
	assert.Equal(t, *approved.TransactionID, *again.TransactionID)
	assert.Equal(t, 1, ledger.calls)

	// The approval feeds the training queue.
	examples, err := store.TrainingExamples(ctx, 10)
	require.NoError(t, err)
	require.Len(t, examples, 1)
	assert.Equal(t, "restaurants", examples[0].Category)
	assert.Equal(t, "approval", examples[0].Source)
}

func TestApproveRequiresCanonicalData(t *testing.T) {
	ctx := context.Background()
	ownerID := uuid.New()
	svc, store, _ := newTestService(t)

	row := &model.ImportedTransactionRow{
		ID: uuid.New(), JobID: uuid.New(), OwnerID: ownerID, RowNumber: 3,
		Raw: map[string]string{"Amount": "oops"}, Status: model.RowRejected,
	}
	require.NoError(t, store.InsertRows(ctx, []*model.ImportedTransactionRow{row}))

	_, err := svc.Approve(ctx, ownerID, row.ID)
	assert.ErrorIs(t, err, ErrNotReviewable)
}

func TestApproveLedgerFailureLeavesRowPending(t *testing.T) {
	ctx := context.Background()
	ownerID := uuid.New()
	svc, store, ledger := newTestService(t)
	ledger.fail = true
	row := seedRow(t, store, ownerID, "restaurants")

	_, err := svc.Approve(ctx, ownerID, row.ID)
	require.Error(t, err)

	got, err := store.GetRow(ctx, ownerID, row.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RowPending, got.Status)
	assert.Nil(t, got.TransactionID)
}

func TestRejectAndFlip(t *testing.T) {
	ctx := context.Background()
	ownerID := uuid.New()
	svc, store, ledger := newTestService(t)
	row := seedRow(t, store, ownerID, "restaurants")

	rejected, err := svc.Reject(ctx, ownerID, row.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RowRejected, rejected.Status)

	// A rejection can be reversed until the row is materialized.
	approved, err := svc.Approve(ctx, ownerID, row.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RowApproved, approved.Status)
	assert.Equal(t, 1, ledger.calls)

	// But a materialized row cannot be rejected anymore.
	_, err = svc.Reject(ctx, ownerID, row.ID)
	assert.ErrorIs(t, err, ErrAlreadyMaterialized)
}

func TestRecategorizeQueuesCorrection(t *testing.T) {
	ctx := context.Background()
	ownerID := uuid.New()
	svc, store, _ := newTestService(t)
	row := seedRow(t, store, ownerID, "shopping")

	got, err := svc.Recategorize(ctx, ownerID, row.ID, "restaurants")
	require.NoError(t, err)
	assert.Equal(t, "restaurants", got.Category)
	assert.False(t, got.AutoCategorized)
	assert.InDelta(t, 1.0, got.Confidence, 0.001)

	examples, err := store.TrainingExamples(ctx, 10)
	require.NoError(t, err)
	require.Len(t, examples, 1)
	assert.Equal(t, "correction", examples[0].Source)
	assert.Equal(t, "restaurants", examples[0].Category)

	_, err = svc.Recategorize(ctx, ownerID, row.ID, "")
	assert.Error(t, err)
}

func TestBulkContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	ownerID := uuid.New()
	svc, store, ledger := newTestService(t)

	good1 := seedRow(t, store, ownerID, "restaurants")
	good2 := seedRow(t, store, ownerID, "groceries")
	missing := uuid.New()

	res, err := svc.Bulk(ctx, ownerID, ActionApprove, []uuid.UUID{good1.ID, missing, good2.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	require.Len(t, res.Failed, 1)
	assert.Contains(t, res.Failed, missing)
	assert.Equal(t, 2, ledger.calls)

	_, err = svc.Bulk(ctx, ownerID, Action("explode"), []uuid.UUID{good1.ID})
	assert.Error(t, err)
}
