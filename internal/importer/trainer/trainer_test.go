package trainer

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duartevn/coinflow/internal/importer/classify"
	"github.com/duartevn/coinflow/internal/importer/model"
	"github.com/duartevn/coinflow/internal/importer/repository"
	"github.com/duartevn/coinflow/internal/queue"
)

func seedExamples(t *testing.T, store *repository.Memory, perClass int) {
	t.Helper()
	var examples []model.TrainingExample
	for range perClass {
		examples = append(examples,
			model.TrainingExample{Description: "starbucks coffee downtown", Category: "coffee", Source: "approval"},
			model.TrainingExample{Description: "shell gasoline fuel station", Category: "fuel", Source: "correction"},
		)
	}
	require.NoError(t, store.EnqueueExamples(context.Background(), examples))
}

func TestRetrainActivatesNewVersion(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()
	svc := NewService(store, slog.New(slog.DiscardHandler))
	seedExamples(t, store, 5)

	mv, err := svc.Retrain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, mv.Version)
	assert.Equal(t, 10, mv.TrainingRows)
	assert.NotEmpty(t, mv.Blob)

	active, err := store.ActiveModelVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, mv.ID, active.ID)

	// Another pass over a grown corpus produces and activates version 2.
	seedExamples(t, store, 2)
	mv2, err := svc.Retrain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, mv2.Version)

	active, err = store.ActiveModelVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, mv2.ID, active.ID)

	versions, err := store.ListModelVersions(ctx)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestRetrainNeedsData(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()
	svc := NewService(store, slog.New(slog.DiscardHandler))

	_, err := svc.Retrain(ctx)
	assert.ErrorIs(t, err, classify.ErrNotEnoughTrainingData)

	// The queue handler swallows the thin-corpus case.
	assert.NoError(t, svc.Handle(ctx, queue.Task{Kind: queue.TaskRetrain}))
	assert.Error(t, svc.Handle(ctx, queue.Task{Kind: queue.TaskProcess}))
}
