// Package queue implements the three-lane priority queue between HTTP
// submitters and the batcher. Draining consumes strictly high before
// normal before low; within a lane order is FIFO. Starvation of the lower
// lanes under sustained high-priority pressure is the intended semantics.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/S-Corkum/vllm-gateway/internal/models"
)

var (
	// ErrQueueFull is returned when the total queued tasks would exceed the cap
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueClosed is returned when enqueueing after shutdown began
	ErrQueueClosed = errors.New("queue is closed")
)

// Queue is the three-lane FIFO. All lanes share one capacity budget.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond

	high   []*models.Task
	normal []*models.Task
	low    []*models.Task

	maxDepth int
	closed   bool
}

// New creates a queue with the given total capacity
func New(maxDepth int) *Queue {
	q := &Queue{maxDepth: maxDepth}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends the task to the lane for its priority. It fails with
// ErrQueueFull when the capacity budget is exhausted and ErrQueueClosed
// once shutdown has begun.
func (q *Queue) Enqueue(task *models.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.sizeLocked() >= q.maxDepth {
		return ErrQueueFull
	}

	switch task.Priority {
	case models.TaskPriorityHigh:
		q.high = append(q.high, task)
	case models.TaskPriorityLow:
		q.low = append(q.low, task)
	default:
		q.normal = append(q.normal, task)
	}

	q.notEmpty.Signal()
	return nil
}

// DrainUpTo removes and returns up to n tasks, consuming lanes strictly in
// the order high, normal, low.
func (q *Queue) DrainUpTo(n int) []*models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 {
		return nil
	}

	out := make([]*models.Task, 0, n)
	out = drainLane(&q.high, out, n)
	out = drainLane(&q.normal, out, n)
	out = drainLane(&q.low, out, n)
	return out
}

func drainLane(lane *[]*models.Task, out []*models.Task, n int) []*models.Task {
	take := n - len(out)
	if take <= 0 || len(*lane) == 0 {
		return out
	}
	if take > len(*lane) {
		take = len(*lane)
	}
	out = append(out, (*lane)[:take]...)
	rest := (*lane)[take:]
	// Release drained slots so settled tasks are not pinned by the lane array.
	kept := make([]*models.Task, len(rest))
	copy(kept, rest)
	*lane = kept
	return out
}

// AwaitNonEmpty blocks until the queue holds at least one task, the timeout
// elapses, the context is cancelled, or the queue is closed. It reports
// whether the queue is non-empty.
func (q *Queue) AwaitNonEmpty(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	wake := time.AfterFunc(timeout, func() {
		q.notEmpty.Broadcast()
	})
	defer wake.Stop()

	stop := context.AfterFunc(ctx, func() {
		q.notEmpty.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.sizeLocked() == 0 && !q.closed && ctx.Err() == nil && time.Now().Before(deadline) {
		q.notEmpty.Wait()
	}
	return q.sizeLocked() > 0
}

// Remove deletes a still-queued task by id, preserving lane order. It
// reports whether the task was found.
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, lane := range []*[]*models.Task{&q.high, &q.normal, &q.low} {
		for i, t := range *lane {
			if t.TaskID == taskID {
				*lane = append(append([]*models.Task{}, (*lane)[:i]...), (*lane)[i+1:]...)
				return true
			}
		}
	}
	return false
}

// DrainAll empties every lane and returns the removed tasks, high first.
// Used on shutdown to settle abandoned work.
func (q *Queue) DrainAll() []*models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*models.Task, 0, q.sizeLocked())
	out = append(out, q.high...)
	out = append(out, q.normal...)
	out = append(out, q.low...)
	q.high, q.normal, q.low = nil, nil, nil
	return out
}

// Close rejects further enqueues and wakes every waiter
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
}

// Depth returns the total number of queued tasks
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sizeLocked()
}

// Depths returns the per-lane task counts
func (q *Queue) Depths() map[models.TaskPriority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[models.TaskPriority]int{
		models.TaskPriorityHigh:   len(q.high),
		models.TaskPriorityNormal: len(q.normal),
		models.TaskPriorityLow:    len(q.low),
	}
}

func (q *Queue) sizeLocked() int {
	return len(q.high) + len(q.normal) + len(q.low)
}
