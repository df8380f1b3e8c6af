package scheduler

import (
	"context"
	"time"

	"contestbot/internal/domain"
)

// Config controls the scheduler service.
type Config struct {
	Enabled      bool
	ScanInterval time.Duration // reconciliation period, default 1m
	Timezone     string        // IANA TZ, e.g. "Europe/Moscow"
}

// TaskStore is the persisted task log the scheduler reconciles against.
// Lookups return domain.ErrNotFound when no pending row exists.
type TaskStore interface {
	CreateTask(ctx context.Context, typ domain.TaskType, referenceID int64, runAt time.Time, payload map[string]string) (domain.ScheduledTask, error)
	PendingTaskByRef(ctx context.Context, typ domain.TaskType, referenceID int64) (domain.ScheduledTask, error)
	PendingTasks(ctx context.Context) ([]domain.ScheduledTask, error)
	DeleteTask(ctx context.Context, id int64) error
	RescheduleTask(ctx context.Context, typ domain.TaskType, referenceID int64, newRunAt time.Time, payload map[string]string) (domain.ScheduledTask, error)
}

// Executor performs a due task's side effects exactly once (guarded).
// The scheduler hands over only the task ID; the executor re-fetches fresh
// state at fire time.
type Executor interface {
	Execute(ctx context.Context, taskID int64) error
}

// Snapshot is a point-in-time view of the scheduler (diagnostics).
type Snapshot struct {
	Enabled      bool
	ScanInterval time.Duration
	Timezone     string
	Armed        []string
}
