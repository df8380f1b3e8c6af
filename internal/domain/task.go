package domain

import (
	"fmt"
	"strings"
	"time"
)

// TaskType names the lifecycle transition a scheduled task performs.
type TaskType string

const (
	TaskPostPublish   TaskType = "post_publish"
	TaskContestFinish TaskType = "contest_finish"
)

func (t TaskType) Valid() bool {
	return t == TaskPostPublish || t == TaskContestFinish
}

// TaskStatus tracks a task through its lifecycle.
// Pending is initial; Completed and Failed are terminal.
// Processing is a short-lived claim marker set just before side effects run,
// so a timer fire and a manual ExecuteNow cannot interleave on the same task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// ScheduledTask is the durable record of one piece of scheduled work.
type ScheduledTask struct {
	ID          int64
	Type        TaskType
	ReferenceID int64
	RunAt       time.Time
	Status      TaskStatus
	Payload     map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Key identifies a task's slot in the in-memory job registry.
// At most one pending task (and one live timer) may exist per key.
type Key struct {
	Type        TaskType
	ReferenceID int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s-%d", k.Type, k.ReferenceID)
}

func (t ScheduledTask) Key() Key {
	return Key{Type: t.Type, ReferenceID: t.ReferenceID}
}

// Payload keys understood by the executor.
const (
	PayloadButtonText = "button_text"
)

// ParseTaskType converts a stored string into a TaskType.
func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(strings.TrimSpace(s))
	if !t.Valid() {
		return "", fmt.Errorf("unknown task type %q", s)
	}
	return t, nil
}
