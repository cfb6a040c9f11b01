// Package trainer runs offline classifier retraining. It consumes the queued
// training examples (approvals and corrections), trains a fresh immutable
// model version and activates it. Jobs already running keep their pinned
// version; only jobs started afterwards see the new one.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/duartevn/coinflow/internal/importer/classify"
	"github.com/duartevn/coinflow/internal/importer/model"
	"github.com/duartevn/coinflow/internal/importer/repository"
	"github.com/duartevn/coinflow/internal/queue"
)

// BatchLimit caps how many examples one retraining pass reads. The queue is
// cumulative, so the cap bounds memory, not coverage over time.
const BatchLimit = 5000

// Service trains and activates classifier model versions.
type Service struct {
	store  repository.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService wires the trainer.
func NewService(store repository.Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// Retrain builds a new model version from the example queue and activates
// it. classify.ErrNotEnoughTrainingData when the corpus is still too thin.
func (s *Service) Retrain(ctx context.Context) (*model.ModelVersion, error) {
	examples, err := s.store.TrainingExamples(ctx, BatchLimit)
	if err != nil {
		return nil, fmt.Errorf("load training examples: %w", err)
	}
	if len(examples) == 0 {
		return nil, classify.ErrNotEnoughTrainingData
	}

	mv, err := classify.Train(examples)
	if err != nil {
		return nil, err
	}

	if err := s.store.SaveModelVersion(ctx, mv); err != nil {
		return nil, fmt.Errorf("save model version: %w", err)
	}
	if err := s.store.ActivateModelVersion(ctx, mv.ID); err != nil {
		return nil, fmt.Errorf("activate model version: %w", err)
	}

	s.logger.Info("classifier retrained",
		"version", mv.Version,
		"training_rows", mv.TrainingRows,
		"classes", len(mv.Features),
		"accuracy", mv.Accuracy)
	return mv, nil
}

// Handle consumes retraining tasks from the queue. A thin corpus is not an
// error; the next pass simply tries again with more examples.
func (s *Service) Handle(ctx context.Context, t queue.Task) error {
	if t.Kind != queue.TaskRetrain {
		return fmt.Errorf("unhandled task kind %q", t.Kind)
	}
	_, err := s.Retrain(ctx)
	if errors.Is(err, classify.ErrNotEnoughTrainingData) {
		s.logger.Info("skipping retraining, not enough examples yet")
		return nil
	}
	return err
}
