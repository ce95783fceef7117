// Package taskstore holds task records from submission to eviction. The
// store is the only shared mutable view of a task: the batcher claims
// queued tasks, the dispatcher settles processing ones, HTTP readers get
// copies. Transitions are conditional on the caller's expected status so a
// duplicate claim or settle surfaces as ErrStaleTransition instead of
// silently overwriting state.
package taskstore

import (
	"context"
	"errors"
	"time"

	"github.com/S-Corkum/vllm-gateway/internal/models"
)

var (
	// ErrNotFound is returned when no task exists for the given id
	ErrNotFound = errors.New("task not found")
	// ErrAlreadyExists is returned when creating a task whose id is taken
	ErrAlreadyExists = errors.New("task already exists")
	// ErrStaleTransition is returned when the task's current status does not
	// match the transition's expected status. This is a programmer error,
	// never a user-visible one.
	ErrStaleTransition = errors.New("stale task transition")
)

// DefaultListLimit bounds List results
const DefaultListLimit = 100

// Patch carries the fields written alongside a status transition
type Patch struct {
	StartedAt   *time.Time
	CompletedAt *time.Time
	Result      *models.TaskResult
	Error       string
}

// Store is the task record store
type Store interface {
	// Create inserts a new task record
	Create(ctx context.Context, task *models.Task) error

	// Get returns a copy of the task record
	Get(ctx context.Context, taskID string) (*models.Task, error)

	// List returns the most recent tasks, newest first. An empty principal
	// matches all tasks; limit <= 0 or > DefaultListLimit is clamped to
	// DefaultListLimit.
	List(ctx context.Context, principal string, limit int) ([]*models.Task, error)

	// Transition moves the task from one status to another, applying the
	// patch atomically. A current status other than from yields
	// ErrStaleTransition.
	Transition(ctx context.Context, taskID string, from, to models.TaskStatus, patch Patch) (*models.Task, error)

	// Evict applies the retention policy and returns the number of records
	// removed
	Evict(ctx context.Context) int

	// Count returns the number of retained records
	Count(ctx context.Context) int

	// Close releases store resources
	Close() error
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > DefaultListLimit {
		return DefaultListLimit
	}
	return limit
}

func applyPatch(task *models.Task, to models.TaskStatus, patch Patch) {
	task.Status = to
	if patch.StartedAt != nil {
		v := *patch.StartedAt
		task.StartedAt = &v
	}
	if patch.CompletedAt != nil {
		v := *patch.CompletedAt
		task.CompletedAt = &v
	}
	if patch.Result != nil {
		r := *patch.Result
		task.Result = &r
	}
	if patch.Error != "" {
		task.Error = patch.Error
	}
}
