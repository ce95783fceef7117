// Package models defines the domain types shared by the queue, batcher,
// dispatcher, engine adapters and the HTTP surface.
package models

import (
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// CanTransitionTo checks if a status transition is valid. The lifecycle is
// strictly queued -> processing -> {completed, failed}; terminal states are
// sinks.
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	switch s {
	case TaskStatusQueued:
		return target == TaskStatusProcessing || target == TaskStatusFailed
	case TaskStatusProcessing:
		return target == TaskStatusCompleted || target == TaskStatusFailed
	default:
		return false
	}
}

// IsTerminal returns true if the task is in a terminal state
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Validate ensures the status is valid
func (s TaskStatus) Validate() error {
	switch s {
	case TaskStatusQueued, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid task status: %s", s)
	}
}

// TaskPriority represents the queue lane a task is placed in
type TaskPriority string

const (
	TaskPriorityHigh   TaskPriority = "high"
	TaskPriorityNormal TaskPriority = "normal"
	TaskPriorityLow    TaskPriority = "low"
)

// Validate ensures the priority is valid
func (p TaskPriority) Validate() error {
	switch p {
	case TaskPriorityHigh, TaskPriorityNormal, TaskPriorityLow:
		return nil
	default:
		return fmt.Errorf("invalid priority: %s", p)
	}
}

// Response sources reported by the engine adapter
const (
	SourceReal         = "real"
	SourceMock         = "mock"
	SourceMockFallback = "mock-fallback"
)

// TaskResult holds the outcome of a completed task
type TaskResult struct {
	Response        string `json:"response"`
	TokensGenerated int    `json:"tokens_generated"`
	BatchID         string `json:"batch_id"`
	BatchSize       int    `json:"batch_size"`
	Source          string `json:"source,omitempty"`
}

// Task is the unit of work tracked from submission to terminal state.
// It is mutated only by the batcher (claim) and the dispatcher (settle);
// HTTP readers receive copies.
type Task struct {
	TaskID    string       `json:"task_id"`
	Principal string       `json:"-"`
	Priority  TaskPriority `json:"priority"`
	Prompt    string       `json:"prompt"`

	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Model       string  `json:"model"`

	Status TaskStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Result *TaskResult `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// ProcessingTime returns completed_at - started_at in seconds, or nil when
// the task has not reached a terminal state.
func (t *Task) ProcessingTime() *float64 {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return nil
	}
	d := t.CompletedAt.Sub(*t.StartedAt).Seconds()
	if d < 0 {
		d = 0
	}
	return &d
}

// Clone returns a deep copy safe to hand to readers
func (t *Task) Clone() *Task {
	cp := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	if t.Result != nil {
		r := *t.Result
		cp.Result = &r
	}
	return &cp
}

// TaskView is the wire shape returned by the task endpoints. It extends the
// stored record with the derived processing_time.
type TaskView struct {
	Task
	ProcessingTime *float64 `json:"processing_time,omitempty"`
}

// View builds the wire representation of a task
func (t *Task) View() *TaskView {
	return &TaskView{
		Task:           *t.Clone(),
		ProcessingTime: t.ProcessingTime(),
	}
}

// Batch is an ordered group of tasks handed to the engine adapter in a
// single invocation.
type Batch struct {
	BatchID  string    `json:"batch_id"`
	Tasks    []*Task   `json:"tasks"`
	FormedAt time.Time `json:"formed_at"`
}

// Size returns the number of tasks in the batch
func (b *Batch) Size() int {
	return len(b.Tasks)
}

// PriorityMix returns the per-priority task counts of the batch
func (b *Batch) PriorityMix() map[TaskPriority]int {
	mix := make(map[TaskPriority]int, 3)
	for _, t := range b.Tasks {
		mix[t.Priority]++
	}
	return mix
}

// TaskOutcome is the per-task tuple reported by the engine adapter. BatchID
// and BatchSize are attached by the dispatcher, not the adapter.
type TaskOutcome struct {
	TaskID          string
	Response        string
	TokensGenerated int
	Source          string
	Err             error
}
