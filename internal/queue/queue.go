// Package queue decouples job submission from job execution. The API enqueues
// work; workers consume it. The in-memory implementation serves single-node
// deployments and tests; a broker-backed implementation can replace it behind
// the same interfaces.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskKind selects the handler for a task.
type TaskKind string

const (
	// TaskValidate runs the validation stage of an import job.
	TaskValidate TaskKind = "import.validate"
	// TaskProcess runs the processing stage of an import job.
	TaskProcess TaskKind = "import.process"
	// TaskRetrain runs an offline classifier retraining pass.
	TaskRetrain TaskKind = "classifier.retrain"
)

// Task is one unit of asynchronous work.
type Task struct {
	ID        uuid.UUID `json:"id"`
	Kind      TaskKind  `json:"kind"`
	JobID     uuid.UUID `json:"job_id,omitempty"`
	OwnerID   uuid.UUID `json:"owner_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Publisher enqueues tasks.
type Publisher interface {
	Publish(ctx context.Context, task Task) error
	Close() error
}

// Handler processes one task. A returned error is logged by the consumer;
// retry policy lives inside the handlers, not the queue.
type Handler func(ctx context.Context, task Task) error

// Consumer dispatches tasks to a handler until stopped.
type Consumer interface {
	Start(ctx context.Context, handler Handler) error
	Stop(ctx context.Context) error
}
