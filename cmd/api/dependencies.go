package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/duartevn/coinflow/internal/importer/handler"
	"github.com/duartevn/coinflow/internal/importer/job"
	"github.com/duartevn/coinflow/internal/importer/model"
	"github.com/duartevn/coinflow/internal/importer/repository"
	"github.com/duartevn/coinflow/internal/importer/review"
	"github.com/duartevn/coinflow/internal/importer/trainer"
	"github.com/duartevn/coinflow/internal/ledger"
	"github.com/duartevn/coinflow/internal/queue"
	"github.com/duartevn/coinflow/pkg/config"
	"github.com/duartevn/coinflow/pkg/cron"
	"github.com/duartevn/coinflow/pkg/db"
	"github.com/duartevn/coinflow/pkg/storage"
)

// Dependencies holds all application dependencies
type Dependencies struct {
	Config *config.Config
	DB     *db.DB
	Logger *slog.Logger

	Store       repository.Store
	FileStorage storage.Storage
	Ledger      review.TransactionStore
	Queue       *queue.Memory
	Registry    *prometheus.Registry

	JobService     *job.Service
	ReviewService  *review.Service
	TrainerService *trainer.Service
	Scheduler      *cron.Scheduler

	ImportHandler *handler.Handler
}

// InitDependencies initializes all application dependencies
func InitDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}
	if err := deps.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to init file storage: %w", err)
	}
	if err := deps.initServices(); err != nil {
		return nil, fmt.Errorf("failed to init services: %w", err)
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase initializes the database connection and runs migrations
func (d *Dependencies) initDatabase() error {
	database, err := db.New(db.Config{
		DSN:             d.Config.Database.DSN(),
		MaxConns:        25,
		MinConns:        5,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 10 * time.Minute,
	}, d.Logger)
	if err != nil {
		return err
	}
	d.DB = database

	if err := d.DB.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	d.Store = repository.NewPostgres(d.DB.Pool)
	d.Ledger = ledger.NewPostgres(d.DB.Pool)

	d.Logger.Info("database connected and migrations completed successfully")
	return nil
}

func (d *Dependencies) initStorage() error {
	files, err := storage.NewLocalStorage(d.Config.Storage.BasePath)
	if err != nil {
		return err
	}
	d.FileStorage = files
	return nil
}

func (d *Dependencies) initServices() error {
	d.Queue = queue.NewMemory(d.Config.Queue.BufferSize, d.Config.Queue.Workers, d.Logger)

	d.Registry = prometheus.NewRegistry()
	d.Registry.MustRegister(collectors.NewGoCollector())
	d.Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	audit := &slogAudit{logger: d.Logger}

	d.JobService = job.NewService(d.Store, d.FileStorage, d.Queue, d.Logger).
		WithMetrics(job.NewMetrics(d.Registry)).
		WithAudit(audit)
	d.ReviewService = review.NewService(d.Store, d.Ledger, d.Logger).WithAudit(audit)
	d.TrainerService = trainer.NewService(d.Store, d.Logger)

	d.Scheduler = cron.NewScheduler(d.Queue, d.Logger).
		WithRetrainSchedule(d.Config.Retrain.Schedule)

	d.ImportHandler = handler.NewHandler(d.JobService, d.ReviewService, d.Store, d.Logger)

	d.Logger.Info("services initialized")
	return nil
}

// HandleTask routes queue tasks to the service owning each kind.
func (d *Dependencies) HandleTask(ctx context.Context, t queue.Task) error {
	if t.Kind == queue.TaskRetrain {
		return d.TrainerService.Handle(ctx, t)
	}
	return d.JobService.Handle(ctx, t)
}

// Cleanup closes all resources
func (d *Dependencies) Cleanup() {
	if d.Queue != nil {
		_ = d.Queue.Close()
	}
	if d.DB != nil {
		d.DB.Close()
	}
	d.Logger.Info("cleanup completed")
}

// slogAudit writes audit events to the structured log. A real deployment
// points this at an append-only audit store.
type slogAudit struct {
	logger *slog.Logger
}

func (a *slogAudit) Record(_ context.Context, ev model.AuditEvent) {
	a.logger.Info("audit",
		"actor", ev.Actor,
		"action", ev.Action,
		"resource_type", ev.ResourceType,
		"resource_id", ev.ResourceID,
		"before", ev.Before,
		"after", ev.After,
	)
}
