package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrClosed = errors.New("queue is closed")

// Memory is a channel-backed queue for single-instance deployments and tests.
type Memory struct {
	tasks     chan Task
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	workers   int
	logger    *slog.Logger
}

// NewMemory creates the in-memory queue. bufferSize bounds how many tasks can
// wait before Publish blocks.
func NewMemory(bufferSize, workers int, logger *slog.Logger) *Memory {
	if workers < 1 {
		workers = 1
	}
	return &Memory{
		tasks:     make(chan Task, bufferSize),
		closeChan: make(chan struct{}),
		workers:   workers,
		logger:    logger,
	}
}

var (
	_ Publisher = (*Memory)(nil)
	_ Consumer  = (*Memory)(nil)
)

func (q *Memory) Publish(ctx context.Context, task Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return ErrClosed
	}
}

func (q *Memory) Start(ctx context.Context, handler Handler) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrClosed
	}
	q.mu.RUnlock()

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}
	return nil
}

func (q *Memory) worker(ctx context.Context, handler Handler) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case task := <-q.tasks:
			start := time.Now()
			if err := handler(ctx, task); err != nil {
				q.logger.Error("task failed",
					slog.String("kind", string(task.Kind)),
					slog.String("task_id", task.ID.String()),
					slog.String("job_id", task.JobID.String()),
					slog.Duration("elapsed", time.Since(start)),
					slog.Any("error", err))
				continue
			}
			q.logger.Debug("task done",
				slog.String("kind", string(task.Kind)),
				slog.String("task_id", task.ID.String()),
				slog.Duration("elapsed", time.Since(start)))
		}
	}
}

// Stop closes the queue and waits for in-flight tasks.
func (q *Memory) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Memory) Close() error { return q.Stop(context.Background()) }
