package agent

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of one unit of agent work.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskBlocked    TaskStatus = "blocked"
)

// Task tracks one turn's work item through the loop: what was asked, how
// often the model call has failed, and what came out. The loop keeps retrying
// a failed task until the attempt budget runs out.
type Task struct {
	ID          string
	Description string
	Status      TaskStatus
	Attempts    int
	MaxAttempts int
	Created     time.Time
	Completed   time.Time
	LastError   string
	Result      string
}

func newTask(description string, maxAttempts int) *Task {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Task{
		ID:          uuid.NewString(),
		Description: description,
		Status:      TaskPending,
		MaxAttempts: maxAttempts,
		Created:     time.Now(),
	}
}

// CanRetry reports whether another attempt is allowed: the task must not be
// running or finished, and the budget must not be spent.
func (t *Task) CanRetry() bool {
	return (t.Status == TaskPending || t.Status == TaskFailed) && t.Attempts < t.MaxAttempts
}

// IsComplete reports whether the task finished successfully.
func (t *Task) IsComplete() bool { return t.Status == TaskCompleted }

func (t *Task) start() {
	t.Status = TaskInProgress
}

func (t *Task) fail(err error) {
	t.Status = TaskFailed
	t.Attempts++
	if err != nil {
		t.LastError = err.Error()
	}
}

func (t *Task) complete(result string) {
	t.Status = TaskCompleted
	t.Result = result
	t.Completed = time.Now()
}

func (t *Task) block(reason string) {
	t.Status = TaskBlocked
	t.LastError = reason
}
