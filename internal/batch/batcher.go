// Package batch implements the batch-formation loop and the bounded
// concurrent dispatcher at the heart of the gateway. Exactly one Batcher
// loop runs process-wide: it drains the priority queue into batches under
// size and time bounds and hands each batch to the Dispatcher, which runs
// up to MaxConcurrentBatches of them in parallel against the engine adapter.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/S-Corkum/vllm-gateway/internal/models"
	"github.com/S-Corkum/vllm-gateway/internal/observability"
	"github.com/S-Corkum/vllm-gateway/internal/queue"
	"github.com/S-Corkum/vllm-gateway/internal/taskstore"
)

// Config defines batch formation and dispatch parameters.
type Config struct {
	// MaxBatchSize bounds the number of tasks in one batch.
	MaxBatchSize int `json:"max_batch_size"`
	// BatchWait is the window for growing a partial batch, measured from the
	// instant the first task entered the forming batch.
	BatchWait time.Duration `json:"batch_wait"`
	// MaxConcurrentBatches bounds the number of batches in flight.
	MaxConcurrentBatches int `json:"max_concurrent_batches"`
	// RetryInterval is the constant backoff applied after a loop error.
	RetryInterval time.Duration `json:"retry_interval"`
	// IdlePoll caps how long one wait on an empty queue lasts; enqueues wake
	// the loop immediately, so this only bounds shutdown latency.
	IdlePoll time.Duration `json:"idle_poll"`
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:         32,
		BatchWait:            100 * time.Millisecond,
		MaxConcurrentBatches: 4,
		RetryInterval:        100 * time.Millisecond,
		IdlePoll:             time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.BatchWait < 0 {
		c.BatchWait = d.BatchWait
	}
	if c.MaxConcurrentBatches <= 0 {
		c.MaxConcurrentBatches = d.MaxConcurrentBatches
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = d.IdlePoll
	}
	return c
}

// Batcher forms batches from the priority queue. It never performs
// inference and never holds locks while waiting.
type Batcher struct {
	config     Config
	queue      *queue.Queue
	store      taskstore.Store
	dispatcher *Dispatcher
	logger     observability.Logger
}

// NewBatcher creates a batcher draining q into d.
func NewBatcher(config Config, q *queue.Queue, store taskstore.Store, d *Dispatcher, logger observability.Logger) *Batcher {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Batcher{
		config:     config.withDefaults(),
		queue:      q,
		store:      store,
		dispatcher: d,
		logger:     logger,
	}
}

// Run executes the batch-formation loop until ctx is cancelled. It returns
// only on shutdown: iteration errors are logged and the loop resumes after a
// constant backoff.
func (b *Batcher) Run(ctx context.Context) {
	b.logger.Info("Batcher started", map[string]interface{}{
		"max_batch_size":         b.config.MaxBatchSize,
		"batch_wait_ms":          b.config.BatchWait.Milliseconds(),
		"max_concurrent_batches": b.config.MaxConcurrentBatches,
	})

	policy := backoff.NewConstantBackOff(b.config.RetryInterval)
	for ctx.Err() == nil {
		if err := b.iterate(ctx); err != nil {
			b.logger.Error("Batcher iteration failed", map[string]interface{}{"error": err.Error()})
			select {
			case <-time.After(policy.NextBackOff()):
			case <-ctx.Done():
			}
		}
	}

	b.logger.Info("Batcher stopped", nil)
}

// iterate forms and hands off at most one batch.
func (b *Batcher) iterate(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batcher panic: %v", r)
		}
	}()

	if !b.queue.AwaitNonEmpty(ctx, b.config.IdlePoll) {
		return nil
	}

	// The wait window is anchored at the first drain, which happens at most
	// one cond-var wakeup after the first task arrived.
	t0 := time.Now()
	tasks := b.queue.DrainUpTo(b.config.MaxBatchSize)
	if len(tasks) == 0 {
		return nil
	}

	for len(tasks) < b.config.MaxBatchSize && ctx.Err() == nil {
		remaining := b.config.BatchWait - time.Since(t0)
		if remaining <= 0 {
			break
		}
		if !b.queue.AwaitNonEmpty(ctx, remaining) {
			break
		}
		tasks = append(tasks, b.queue.DrainUpTo(b.config.MaxBatchSize-len(tasks))...)
	}

	batch := b.claim(tasks)
	if batch == nil {
		return nil
	}

	if err := b.dispatcher.AcquireSlot(ctx); err != nil {
		// Shutdown arrived while the batch waited for a slot; the tasks are
		// already claimed, so settle them here.
		b.failBatch(batch, "shutdown")
		return nil
	}
	b.dispatcher.Dispatch(batch)
	return nil
}

// claim moves every drained task to processing and wraps the survivors in a
// fresh batch. State writes deliberately ignore the loop context: a claim
// must land even when shutdown begins mid-iteration, or the task would be
// stranded outside both the queue and the settle paths.
func (b *Batcher) claim(tasks []*models.Task) *models.Batch {
	if len(tasks) == 0 {
		return nil
	}

	now := time.Now()
	claimed := make([]*models.Task, 0, len(tasks))
	for _, task := range tasks {
		updated, err := b.store.Transition(context.Background(), task.TaskID,
			models.TaskStatusQueued, models.TaskStatusProcessing,
			taskstore.Patch{StartedAt: &now})
		if err != nil {
			// Cannot occur by construction: only this loop claims queued
			// tasks. Log and skip rather than poison the batch.
			b.logger.Error("Claim failed, skipping task", map[string]interface{}{
				"task_id": task.TaskID,
				"error":   err.Error(),
			})
			continue
		}
		claimed = append(claimed, updated)
	}
	if len(claimed) == 0 {
		return nil
	}

	batch := &models.Batch{
		BatchID:  uuid.NewString(),
		Tasks:    claimed,
		FormedAt: now,
	}

	b.logger.Debug("Batch formed", map[string]interface{}{
		"batch_id":   batch.BatchID,
		"batch_size": batch.Size(),
		"window_ms":  time.Since(batch.FormedAt).Milliseconds(),
	})
	return batch
}

// failBatch settles a claimed-but-undispatched batch.
func (b *Batcher) failBatch(batch *models.Batch, reason string) {
	now := time.Now()
	for _, task := range batch.Tasks {
		_, err := b.store.Transition(context.Background(), task.TaskID,
			models.TaskStatusProcessing, models.TaskStatusFailed,
			taskstore.Patch{CompletedAt: &now, Error: reason})
		if err != nil {
			b.logger.Error("Failed to settle undispatched task", map[string]interface{}{
				"task_id": task.TaskID,
				"error":   err.Error(),
			})
			continue
		}
		b.dispatcher.stats.RecordTasksFailed(1)
	}
}
