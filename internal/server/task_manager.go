package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a background task.
type TaskStatus string

const (
	TaskStatusStarted   TaskStatus = "started"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task tracks a long-running server operation (snapshot, AOF rewrite,
// forced maintenance) so clients can poll its progress.
type Task struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	Status    TaskStatus `json:"status"`
	Progress  string     `json:"progress,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// TaskManager stores tasks in memory. Tasks are never evicted; the set of
// long-running operations a server performs is small.
type TaskManager struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func NewTaskManager() *TaskManager {
	return &TaskManager{tasks: make(map[string]*Task)}
}

// Create registers a new task and returns its id.
func (tm *TaskManager) Create(kind string) string {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	id := uuid.NewString()
	tm.tasks[id] = &Task{
		ID:        id,
		Kind:      kind,
		Status:    TaskStatusStarted,
		CreatedAt: time.Now().UTC(),
	}
	return id
}

// Get returns a copy of the task, so callers cannot race with updates.
func (tm *TaskManager) Get(id string) (Task, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	task, ok := tm.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// SetRunning marks the task as in progress with a status message.
func (tm *TaskManager) SetRunning(id, progress string) {
	tm.update(id, func(t *Task) {
		t.Status = TaskStatusRunning
		t.Progress = progress
	})
}

// Complete marks the task as finished successfully.
func (tm *TaskManager) Complete(id, progress string) {
	tm.update(id, func(t *Task) {
		t.Status = TaskStatusCompleted
		t.Progress = progress
	})
}

// Fail marks the task as failed with the error message.
func (tm *TaskManager) Fail(id string, err error) {
	tm.update(id, func(t *Task) {
		t.Status = TaskStatusFailed
		t.Error = err.Error()
	})
}

func (tm *TaskManager) update(id string, fn func(*Task)) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if task, ok := tm.tasks[id]; ok {
		fn(task)
	}
}
