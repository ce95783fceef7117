package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/S-Corkum/vllm-gateway/internal/engine"
	"github.com/S-Corkum/vllm-gateway/internal/models"
	"github.com/S-Corkum/vllm-gateway/internal/observability"
	"github.com/S-Corkum/vllm-gateway/internal/stats"
	"github.com/S-Corkum/vllm-gateway/internal/taskstore"
)

// settleTimeout bounds a single task-store write. Settles run on their own
// context so in-flight results land even while the service is shutting down.
const settleTimeout = 5 * time.Second

// Dispatcher executes batches against the engine adapter, at most
// MaxConcurrentBatches in parallel. Each batch runs end-to-end in its own
// goroutine: adapter call, per-task settle, stats.
type Dispatcher struct {
	adapter engine.Adapter
	store   taskstore.Store
	stats   *stats.Collector
	logger  observability.Logger

	slots chan struct{}
	wg    sync.WaitGroup

	// runCtx governs in-flight adapter calls. It is independent of the
	// batcher's loop context so shutdown lets batches run to completion;
	// it is cancelled only when the shutdown grace expires.
	runCtx context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher with the given parallelism bound.
func NewDispatcher(maxConcurrent int, adapter engine.Adapter, store taskstore.Store, collector *stats.Collector, logger observability.Logger) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultConfig().MaxConcurrentBatches
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		adapter: adapter,
		store:   store,
		stats:   collector,
		logger:  logger,
		slots:   make(chan struct{}, maxConcurrent),
		runCtx:  ctx,
		cancel:  cancel,
	}
}

// AcquireSlot blocks until a dispatch slot is free or ctx is done.
func (d *Dispatcher) AcquireSlot(ctx context.Context) error {
	select {
	case d.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch runs the batch in its own goroutine. The caller must hold a slot
// acquired via AcquireSlot; the slot is released when the batch settles.
func (d *Dispatcher) Dispatch(batch *models.Batch) {
	d.stats.RecordBatchStarted()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.slots }()
		d.process(batch)
	}()
}

// InFlight returns the number of batches currently holding a slot.
func (d *Dispatcher) InFlight() int {
	return len(d.slots)
}

// Shutdown waits for in-flight batches to settle. When ctx expires first,
// outstanding adapter calls are cancelled and their tasks settle as failed
// with reason "shutdown".
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// process runs one batch end-to-end.
func (d *Dispatcher) process(batch *models.Batch) {
	started := time.Now()

	outcomes, err := d.adapter.GenerateBatch(d.runCtx, batch)

	// One timestamp for the whole batch keeps processing_time consistent
	// across its tasks.
	completedAt := time.Now()

	if err != nil {
		reason := fmt.Sprintf("batch processing failed: %v", err)
		if errors.Is(err, context.Canceled) {
			reason = "shutdown"
		}
		d.logger.Error("Batch failed", map[string]interface{}{
			"batch_id":   batch.BatchID,
			"batch_size": batch.Size(),
			"error":      err.Error(),
		})
		for _, task := range batch.Tasks {
			d.settleFailed(task.TaskID, completedAt, reason)
		}
		d.stats.RecordBatchCompleted(batch.Size(), completedAt.Sub(started))
		return
	}

	byTask := make(map[string]models.TaskOutcome, len(outcomes))
	for _, outcome := range outcomes {
		byTask[outcome.TaskID] = outcome
	}

	for _, task := range batch.Tasks {
		outcome, ok := byTask[task.TaskID]
		switch {
		case !ok:
			d.settleFailed(task.TaskID, completedAt, "no outcome returned for task")
		case outcome.Err != nil:
			d.settleFailed(task.TaskID, completedAt, outcome.Err.Error())
		default:
			d.settleCompleted(task.TaskID, completedAt, &models.TaskResult{
				Response:        outcome.Response,
				TokensGenerated: outcome.TokensGenerated,
				BatchID:         batch.BatchID,
				BatchSize:       batch.Size(),
				Source:          outcome.Source,
			})
		}
	}

	d.stats.RecordBatchCompleted(batch.Size(), completedAt.Sub(started))
	d.logger.Debug("Batch dispatched", map[string]interface{}{
		"batch_id":    batch.BatchID,
		"batch_size":  batch.Size(),
		"duration_ms": completedAt.Sub(started).Milliseconds(),
	})
}

func (d *Dispatcher) settleCompleted(taskID string, completedAt time.Time, result *models.TaskResult) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	_, err := d.store.Transition(ctx, taskID,
		models.TaskStatusProcessing, models.TaskStatusCompleted,
		taskstore.Patch{CompletedAt: &completedAt, Result: result})
	if err != nil {
		d.logger.Error("Failed to settle completed task", map[string]interface{}{
			"task_id": taskID,
			"error":   err.Error(),
		})
		return
	}
	d.stats.RecordTaskCompleted(result.Source)
}

func (d *Dispatcher) settleFailed(taskID string, completedAt time.Time, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	_, err := d.store.Transition(ctx, taskID,
		models.TaskStatusProcessing, models.TaskStatusFailed,
		taskstore.Patch{CompletedAt: &completedAt, Error: reason})
	if err != nil {
		d.logger.Error("Failed to settle failed task", map[string]interface{}{
			"task_id": taskID,
			"error":   err.Error(),
		})
		return
	}
	d.stats.RecordTasksFailed(1)
}
