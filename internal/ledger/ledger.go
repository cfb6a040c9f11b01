// Package ledger is the permanent transaction store approved import rows
// materialize into. The import engine only ever appends; reporting and
// balance computation live elsewhere.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duartevn/coinflow/internal/importer/model"
)

// Postgres appends approved rows to the transactions table. The unique
// source_row_id constraint makes a replayed approval return the existing
// transaction instead of inserting twice.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

func (l *Postgres) CreateTransaction(ctx context.Context, row *model.ImportedTransactionRow) (string, error) {
	c := row.Canonical
	if c == nil {
		return "", fmt.Errorf("row %s has no canonical data", row.ID)
	}

	query := `
		INSERT INTO transactions (
			id, user_id, posted_at, description, amount_minor, currency,
			direction, category, source_row_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
		ON CONFLICT (source_row_id) DO UPDATE SET source_row_id = EXCLUDED.source_row_id
		RETURNING id
	`
	var id uuid.UUID
	err := l.db.QueryRow(ctx, query,
		uuid.New(), row.OwnerID, c.Date, c.Description, c.AmountCents,
		c.Currency, c.Direction, row.Category, row.ID,
	).Scan(&id)
	if err != nil {
		return "", &model.StorageError{Op: "create transaction", Err: err}
	}
	return id.String(), nil
}

// Memory is the single-node ledger used in development and tests.
type Memory struct {
	mu   sync.Mutex
	byID map[string]memoryTxn
	// source row id -> transaction id, the idempotency index
	bySource map[uuid.UUID]string
}

type memoryTxn struct {
	ID        string
	OwnerID   uuid.UUID
	Date      time.Time
	Amount    int64
	Category  string
	CreatedAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		byID:     make(map[string]memoryTxn),
		bySource: make(map[uuid.UUID]string),
	}
}

func (l *Memory) CreateTransaction(_ context.Context, row *model.ImportedTransactionRow) (string, error) {
	c := row.Canonical
	if c == nil {
		return "", fmt.Errorf("row %s has no canonical data", row.ID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if id, ok := l.bySource[row.ID]; ok {
		return id, nil
	}
	id := uuid.New().String()
	l.byID[id] = memoryTxn{
		ID:        id,
		OwnerID:   row.OwnerID,
		Date:      c.Date,
		Amount:    c.AmountCents,
		Category:  row.Category,
		CreatedAt: time.Now().UTC(),
	}
	l.bySource[row.ID] = id
	return id, nil
}

// Len reports how many transactions have been materialized.
func (l *Memory) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byID)
}
