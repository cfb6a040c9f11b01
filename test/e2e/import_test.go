// Package e2etest runs whole import flows end to end: upload, analyze,
// validate, process, review, materialize. Everything is in-process on the
// memory store, which keeps the tests deterministic and fast.
package e2etest

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duartevn/coinflow/internal/importer/job"
	"github.com/duartevn/coinflow/internal/importer/model"
	"github.com/duartevn/coinflow/internal/importer/repository"
	"github.com/duartevn/coinflow/internal/importer/review"
	"github.com/duartevn/coinflow/internal/ledger"
	"github.com/duartevn/coinflow/internal/queue"
	"github.com/duartevn/coinflow/pkg/money"
	"github.com/duartevn/coinflow/pkg/storage"
)

// A Portuguese bank export: semicolon delimiter, preamble before the header
// row, day-first dates, decimal comma and separate debit/credit columns.
const cgdStatement = "Consultar saldos e movimentos;;;;\n" +
	"Conta: PT50 0035 0000 0000 0000 0000 1;;;;\n" +
	";;;;\n" +
	"Data mov.;Descrição;Débito;Crédito;Saldo\n" +
	"02-01-2025;COMPRA CONTINENTE LOJA 12;23,45;;1.234,56\n" +
	"03-01-2025;NETFLIX.COM ASSINATURA;15,99;;1.218,57\n" +
	"05-01-2025;TRANSF ORDENADO EMPRESA;;1.850,00;3.068,57\n" +
	"07-01-2025;COMPRA IKEA ALFRAGIDE;89,90;;2.978,67\n"

type inlinePublisher struct {
	tasks []queue.Task
}

func (p *inlinePublisher) Publish(_ context.Context, t queue.Task) error {
	p.tasks = append(p.tasks, t)
	return nil
}

func (p *inlinePublisher) Close() error { return nil }

type flow struct {
	store  *repository.Memory
	jobs   *job.Service
	review *review.Service
	ledger *ledger.Memory
	pub    *inlinePublisher
	owner  uuid.UUID
}

func newFlow(t *testing.T) *flow {
	t.Helper()
	store := repository.NewMemory()
	files, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	pub := &inlinePublisher{}
	led := ledger.NewMemory()

	return &flow{
		store:  store,
		jobs:   job.NewService(store, files, pub, logger),
		review: review.NewService(store, led, logger),
		ledger: led,
		pub:    pub,
		owner:  uuid.New(),
	}
}

func (f *flow) drain(t *testing.T, ctx context.Context) {
	t.Helper()
	require.NotEmpty(t, f.pub.tasks)
	task := f.pub.tasks[len(f.pub.tasks)-1]
	require.NoError(t, f.jobs.Handle(ctx, task))
}

func TestEuropeanStatementEndToEnd(t *testing.T) {
	f := newFlow(t)
	ctx := context.Background()
	data := []byte(cgdStatement)

	// Analyze first, the way the mapping UI does.
	an, err := f.jobs.Analyze(ctx, f.owner, "comprovativo.csv", "text/csv", data)
	require.NoError(t, err)
	assert.Equal(t, model.FileTypeCSV, an.FileType)
	assert.Equal(t, "Data mov.", an.Suggested.Date)
	assert.Equal(t, "Débito", an.Suggested.Debit)
	assert.Equal(t, "Crédito", an.Suggested.Credit)
	assert.Empty(t, an.Suggested.Amount, "double-entry columns should win over the balance column")
	assert.True(t, an.Dialect.DecimalComma)

	created, _, err := f.jobs.Create(ctx, f.owner, job.Upload{
		Filename:    "comprovativo.csv",
		ContentType: "text/csv",
		Data:        data,
		Mapping:     an.Suggested,
	})
	require.NoError(t, err)

	_, err = f.jobs.Validate(ctx, f.owner, created.ID, nil, nil)
	require.NoError(t, err)
	f.drain(t, ctx)

	_, err = f.jobs.Start(ctx, f.owner, created.ID)
	require.NoError(t, err)
	f.drain(t, ctx)

	done, err := f.jobs.Job(ctx, f.owner, created.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, done.Status)
	assert.Equal(t, 4, done.TotalRows)
	assert.Equal(t, 4, done.SucceededRows)
	assert.Zero(t, done.FailedRows)

	rows, err := f.jobs.Rows(ctx, f.owner, created.ID, repository.RowFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 4)

	// Amounts normalized from the European format, directions from the
	// debit/credit split.
	byDesc := map[string]model.ImportedTransactionRow{}
	for _, r := range rows {
		require.NotNil(t, r.Canonical)
		byDesc[r.Canonical.Description] = r
	}

	groceries, ok := byDesc["COMPRA CONTINENTE LOJA 12"]
	require.True(t, ok)
	assert.Equal(t, int64(-2345), groceries.Canonical.AmountCents)
	assert.Equal(t, model.DirectionDebit, groceries.Canonical.Direction)
	assert.Equal(t, 2025, groceries.Canonical.Date.Year())
	assert.Equal(t, 2, groceries.Canonical.Date.Day(), "dates must parse day-first")

	salary, ok := byDesc["TRANSF ORDENADO EMPRESA"]
	require.True(t, ok)
	assert.Equal(t, int64(185000), salary.Canonical.AmountCents)
	assert.Equal(t, model.DirectionCredit, salary.Canonical.Direction)

	// The keyword fallback spots the streaming subscription.
	netflix, ok := byDesc["NETFLIX.COM ASSINATURA"]
	require.True(t, ok)
	assert.Equal(t, "subscriptions", netflix.Category)

	// Approve everything and check the ledger got exactly one transaction
	// per row, including on a replayed approval.
	for _, r := range rows {
		_, err := f.review.Approve(ctx, f.owner, r.ID)
		require.NoError(t, err)
	}
	_, err = f.review.Approve(ctx, f.owner, rows[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 4, f.ledger.Len())
}

func TestGeneratedStatementRoundTrip(t *testing.T) {
	f := newFlow(t)
	ctx := context.Background()

	// Synthetic statement: the amounts come out formatted the way banks
	// print them, so the whole parse and canonicalize path is exercised.
	gen := money.NewStatementGenerator(42)
	generated := gen.Rows("USD", 30, 120)
	data := gen.CSV(generated, false)

	created, _, err := f.jobs.Create(ctx, f.owner, job.Upload{
		Filename:    "export.csv",
		ContentType: "text/csv",
		Data:        data,
		Mapping:     model.ColumnMapping{Date: "Date", Description: "Description", Amount: "Amount"},
		Settings:    model.JobSettings{ChunkSize: 25},
	})
	require.NoError(t, err)

	_, err = f.jobs.Validate(ctx, f.owner, created.ID, nil, nil)
	require.NoError(t, err)
	f.drain(t, ctx)
	_, err = f.jobs.Start(ctx, f.owner, created.ID)
	require.NoError(t, err)
	f.drain(t, ctx)

	done, err := f.jobs.Job(ctx, f.owner, created.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, done.Status)
	assert.Equal(t, 120, done.TotalRows)
	assert.Zero(t, done.FailedRows)
	assert.Equal(t, 120, done.SucceededRows+done.DuplicateRows)

	imported, err := f.jobs.Rows(ctx, f.owner, created.ID, repository.RowFilter{})
	require.NoError(t, err)
	require.Len(t, imported, 120)

	// The sum of canonical cents must equal the sum of generated cents.
	var want, got int64
	for _, r := range generated {
		want += r.Amount.Amount()
	}
	for _, r := range imported {
		require.NotNil(t, r.Canonical)
		got += r.Canonical.AmountCents
	}
	assert.Equal(t, want, got)
}

func TestRepeatImportUsesSavedTemplate(t *testing.T) {
	f := newFlow(t)
	ctx := context.Background()
	data := []byte(cgdStatement)

	an, err := f.jobs.Analyze(ctx, f.owner, "comprovativo.csv", "text/csv", data)
	require.NoError(t, err)
	require.NotEmpty(t, an.Fingerprint)

	require.NoError(t, f.store.SaveTemplate(ctx, &model.ImportTemplate{
		OwnerID:     f.owner,
		Name:        "CGD extrato",
		FileType:    model.FileTypeCSV,
		Fingerprint: an.Fingerprint,
		Mapping:     an.Suggested,
		Settings:    model.JobSettings{DecimalComma: true},
	}))

	// No mapping on the upload: the fingerprint match must pre-fill it.
	created, _, err := f.jobs.Create(ctx, f.owner, job.Upload{
		Filename:    "comprovativo-fev.csv",
		ContentType: "text/csv",
		Data:        data,
	})
	require.NoError(t, err)
	require.NotNil(t, created.TemplateID)
	assert.Equal(t, "Data mov.", created.Mapping.Date)

	_, err = f.jobs.Validate(ctx, f.owner, created.ID, nil, nil)
	require.NoError(t, err)
	f.drain(t, ctx)

	validated, err := f.jobs.Job(ctx, f.owner, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobValidated, validated.Status)
	assert.Equal(t, 4, validated.TotalRows)
}

func TestSecondUploadFlagsDuplicates(t *testing.T) {
	f := newFlow(t)
	ctx := context.Background()

	// Dates must land inside the dedupe lookback window, so build the
	// statement relative to today.
	day := func(offset int) string {
		return time.Now().AddDate(0, 0, offset).Format("02-01-2006")
	}
	data := []byte("Data mov.;Descrição;Débito;Crédito;Saldo\n" +
		day(-9) + ";COMPRA CONTINENTE LOJA 12;23,45;;1.234,56\n" +
		day(-8) + ";NETFLIX.COM ASSINATURA;15,99;;1.218,57\n" +
		day(-6) + ";TRANSF ORDENADO EMPRESA;;1.850,00;3.068,57\n" +
		day(-4) + ";COMPRA IKEA ALFRAGIDE;89,90;;2.978,67\n")

	runImport := func() *model.ImportJob {
		an, err := f.jobs.Analyze(ctx, f.owner, "comprovativo.csv", "text/csv", data)
		require.NoError(t, err)
		created, _, err := f.jobs.Create(ctx, f.owner, job.Upload{
			Filename:    "comprovativo.csv",
			ContentType: "text/csv",
			Data:        data,
			Mapping:     an.Suggested,
		})
		require.NoError(t, err)
		_, err = f.jobs.Validate(ctx, f.owner, created.ID, nil, nil)
		require.NoError(t, err)
		f.drain(t, ctx)
		_, err = f.jobs.Start(ctx, f.owner, created.ID)
		require.NoError(t, err)
		f.drain(t, ctx)
		done, err := f.jobs.Job(ctx, f.owner, created.ID)
		require.NoError(t, err)
		return done
	}

	first := runImport()
	require.Equal(t, model.JobCompleted, first.Status)

	// Approve the first batch so it enters the dedupe history.
	rows, err := f.jobs.Rows(ctx, f.owner, first.ID, repository.RowFilter{})
	require.NoError(t, err)
	for _, r := range rows {
		_, err := f.review.Approve(ctx, f.owner, r.ID)
		require.NoError(t, err)
	}

	second := runImport()
	require.Equal(t, model.JobCompleted, second.Status)
	assert.Equal(t, 4, second.DuplicateRows, "the whole re-upload is already known")
	assert.Zero(t, second.SucceededRows)

	// Every row of the re-upload is parked in DUPLICATE status with its
	// reference, not just flagged.
	repeats, err := f.jobs.Rows(ctx, f.owner, second.ID, repository.RowFilter{})
	require.NoError(t, err)
	require.Len(t, repeats, 4)
	for _, r := range repeats {
		assert.Equal(t, model.RowDuplicate, r.Status)
		require.NotNil(t, r.DuplicateOf)
	}

	// Force-including a flagged duplicate still materializes it.
	forced, err := f.review.Approve(ctx, f.owner, repeats[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.RowApproved, forced.Status)
	assert.Equal(t, 5, f.ledger.Len())
}
