// Package core assembles the gateway: auth, task store, priority queue,
// engine adapter, batcher and dispatcher. The HTTP layer talks only to the
// Service; everything below it is wired here.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/S-Corkum/vllm-gateway/internal/auth"
	"github.com/S-Corkum/vllm-gateway/internal/batch"
	"github.com/S-Corkum/vllm-gateway/internal/config"
	"github.com/S-Corkum/vllm-gateway/internal/engine"
	"github.com/S-Corkum/vllm-gateway/internal/models"
	"github.com/S-Corkum/vllm-gateway/internal/observability"
	"github.com/S-Corkum/vllm-gateway/internal/queue"
	"github.com/S-Corkum/vllm-gateway/internal/stats"
	"github.com/S-Corkum/vllm-gateway/internal/taskstore"
)

var (
	// ErrTaskNotFound is returned for unknown task ids and for tasks owned
	// by another principal; callers cannot tell the two apart.
	ErrTaskNotFound = errors.New("task not found")
	// ErrNotCancellable is returned when cancelling a task that already left
	// the queued state.
	ErrNotCancellable = errors.New("task is not cancellable")
)

// waitPoll is the store polling interval used by ScheduleAndWait.
const waitPoll = 25 * time.Millisecond

// Service owns the scheduler's moving parts and exposes the operations the
// HTTP handlers call.
type Service struct {
	config *config.Config
	logger observability.Logger

	auth    *auth.Service
	store   taskstore.Store
	queue   *queue.Queue
	adapter engine.Adapter
	stats   *stats.Collector

	dispatcher *batch.Dispatcher
	batcher    *batch.Batcher

	cancel      context.CancelFunc
	batcherDone chan struct{}
	startedAt   time.Time
}

// NewService wires the gateway components from configuration. db is optional;
// when present the auth service consults it for credentials.
func NewService(cfg *config.Config, db *sqlx.DB, logger observability.Logger) (*Service, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	authService := auth.NewService(auth.ServiceConfig{
		Secret:     cfg.Auth.JWTSecret,
		Expiration: time.Duration(cfg.Auth.ExpirationMinutes) * time.Minute,
	}, db, logger)
	if cfg.Auth.SeedUsers {
		if err := authService.SeedDefaultUsers(); err != nil {
			return nil, fmt.Errorf("seed users: %w", err)
		}
	}

	store, err := newStore(cfg.TaskStore, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize task store: %w", err)
	}

	q := queue.New(cfg.Queue.MaxDepth)

	adapter := newAdapter(cfg.Engine, logger)

	collector := stats.New()
	collector.RegisterQueueDepth(func() float64 { return float64(q.Depth()) })

	dispatcher := batch.NewDispatcher(cfg.Batching.MaxConcurrentBatches, adapter, store, collector, logger)
	batcher := batch.NewBatcher(batch.Config{
		MaxBatchSize:         cfg.Batching.MaxBatchSize,
		BatchWait:            cfg.Batching.BatchWait(),
		MaxConcurrentBatches: cfg.Batching.MaxConcurrentBatches,
	}, q, store, dispatcher, logger)

	return &Service{
		config:     cfg,
		logger:     logger,
		auth:       authService,
		store:      store,
		queue:      q,
		adapter:    adapter,
		stats:      collector,
		dispatcher: dispatcher,
		batcher:    batcher,
	}, nil
}

func newStore(cfg config.TaskStoreConfig, logger observability.Logger) (taskstore.Store, error) {
	switch cfg.Backend {
	case "redis":
		return taskstore.NewRedisStore(taskstore.RedisConfig{
			URL:         cfg.RedisURL,
			Retention:   cfg.Retention(),
			MaxRetained: cfg.MaxRetained,
		}, logger)
	default:
		return taskstore.NewMemoryStore(taskstore.MemoryConfig{
			Retention:   cfg.Retention(),
			MaxRetained: cfg.MaxRetained,
		}, logger), nil
	}
}

func newAdapter(cfg config.EngineConfig, logger observability.Logger) engine.Adapter {
	if cfg.UseReal {
		return engine.NewRealAdapter(engine.RealConfig{
			BaseURL:        cfg.URL,
			Model:          cfg.Model,
			Timeout:        cfg.RequestTimeout(),
			FallbackToMock: cfg.FallbackToMock,
		}, logger)
	}
	return engine.NewMockAdapter(engine.MockConfig{
		BaseLatency:    time.Duration(cfg.MockBaseLatencyMS) * time.Millisecond,
		PerItemLatency: time.Duration(cfg.MockPerItemLatencyMS) * time.Millisecond,
	}, logger)
}

// Start launches the batch-formation loop. In real mode it also probes the
// upstream in the background so a slow engine never blocks startup.
func (s *Service) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.batcherDone = make(chan struct{})
	s.startedAt = time.Now()

	go func() {
		s.batcher.Run(ctx)
		close(s.batcherDone)
	}()

	if probed, ok := s.adapter.(*engine.RealAdapter); ok {
		go probed.Probe(ctx)
	}

	s.logger.Info("Service started", map[string]interface{}{
		"engine_mode":   s.adapter.Mode(),
		"store_backend": s.config.TaskStore.Backend,
		"queue_depth":   s.config.Queue.MaxDepth,
	})
}

// Shutdown stops accepting work, lets in-flight batches settle within ctx,
// and fails whatever is still queued. The returned error reports only a
// grace-period overrun; shutdown always completes.
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutdown started", nil)

	// Reject new submissions, then stop the batcher so nothing new is
	// claimed from the queue.
	s.queue.Close()
	if s.cancel != nil {
		s.cancel()
		select {
		case <-s.batcherDone:
		case <-ctx.Done():
		}
	}

	err := s.dispatcher.Shutdown(ctx)

	// Tasks still queued at this point will never run.
	abandoned := s.queue.DrainAll()
	now := time.Now()
	for _, task := range abandoned {
		_, terr := s.store.Transition(context.Background(), task.TaskID,
			models.TaskStatusQueued, models.TaskStatusFailed,
			taskstore.Patch{CompletedAt: &now, Error: "shutdown"})
		if terr != nil {
			s.logger.Warn("Failed to settle abandoned task", map[string]interface{}{
				"task_id": task.TaskID,
				"error":   terr.Error(),
			})
			continue
		}
		s.stats.RecordTasksFailed(1)
	}
	if len(abandoned) > 0 {
		s.logger.Info("Failed abandoned queued tasks", map[string]interface{}{"count": len(abandoned)})
	}

	if cerr := s.store.Close(); cerr != nil {
		s.logger.Warn("Task store close failed", map[string]interface{}{"error": cerr.Error()})
	}

	s.logger.Info("Shutdown complete", nil)
	return err
}

// Auth exposes the credential service to the HTTP middleware.
func (s *Service) Auth() *auth.Service {
	return s.auth
}

// Stats returns the throughput snapshot served by GET /stats.
func (s *Service) Stats() stats.Snapshot {
	return s.stats.Snapshot()
}

// Collector exposes the stats collector for the Prometheus endpoint.
func (s *Service) Collector() *stats.Collector {
	return s.stats
}

// EngineMode reports which adapter is wired, "mock" or "real".
func (s *Service) EngineMode() string {
	return s.adapter.Mode()
}

// Models lists the models the engine serves.
func (s *Service) Models(ctx context.Context) (*models.ModelList, error) {
	return s.adapter.ListModels(ctx)
}

// SubmitTask validates nothing; the caller validates the request. It stores
// the task, enqueues it, and counts it as accepted. A full or closed queue
// fails the stored record and returns the queue error unwrapped so the
// handler can map it.
func (s *Service) SubmitTask(ctx context.Context, principal string, req *models.InferenceRequest) (*models.Task, error) {
	task := req.ToTask(uuid.NewString(), principal)
	task.CreatedAt = time.Now()

	if err := s.store.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("store task: %w", err)
	}

	if err := s.queue.Enqueue(task); err != nil {
		reason := "queue full"
		if errors.Is(err, queue.ErrQueueClosed) {
			reason = "shutdown"
		}
		now := time.Now()
		if _, terr := s.store.Transition(ctx, task.TaskID,
			models.TaskStatusQueued, models.TaskStatusFailed,
			taskstore.Patch{CompletedAt: &now, Error: reason}); terr != nil {
			s.logger.Warn("Failed to settle rejected task", map[string]interface{}{
				"task_id": task.TaskID,
				"error":   terr.Error(),
			})
		}
		return nil, err
	}

	s.stats.RecordRequests(1)
	s.logger.Debug("Task submitted", map[string]interface{}{
		"task_id":  task.TaskID,
		"priority": string(task.Priority),
	})
	return task, nil
}

// SubmitBatch enqueues the requests in order. Requests are validated by the
// caller as a group beforehand; if the queue fills mid-batch, the tasks
// accepted so far stay accepted and the queue error is returned alongside
// their ids.
func (s *Service) SubmitBatch(ctx context.Context, principal string, reqs []models.InferenceRequest) ([]string, error) {
	ids := make([]string, 0, len(reqs))
	for i := range reqs {
		task, err := s.SubmitTask(ctx, principal, &reqs[i])
		if err != nil {
			return ids, err
		}
		ids = append(ids, task.TaskID)
	}
	return ids, nil
}

// GetTask returns the caller's task by id.
func (s *Service) GetTask(ctx context.Context, principal, taskID string) (*models.Task, error) {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	if task.Principal != principal {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// ListTasks returns the caller's most recent tasks, newest first.
func (s *Service) ListTasks(ctx context.Context, principal string, limit int) ([]*models.Task, error) {
	return s.store.List(ctx, principal, limit)
}

// CancelTask fails a still-queued task with reason "cancelled". Tasks that
// were already claimed, settled, or belong to someone else are not
// cancellable.
func (s *Service) CancelTask(ctx context.Context, principal, taskID string) (*models.Task, error) {
	task, err := s.GetTask(ctx, principal, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusQueued {
		return nil, ErrNotCancellable
	}

	// Removing the task from the queue first guarantees the batcher can no
	// longer claim it; a lost race shows up here as not-found.
	if !s.queue.Remove(taskID) {
		return nil, ErrNotCancellable
	}

	now := time.Now()
	updated, err := s.store.Transition(ctx, taskID,
		models.TaskStatusQueued, models.TaskStatusFailed,
		taskstore.Patch{CompletedAt: &now, Error: "cancelled"})
	if err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}
	s.stats.RecordTasksFailed(1)

	s.logger.Info("Task cancelled", map[string]interface{}{"task_id": taskID})
	return updated, nil
}

// ScheduleAndWait submits the task and blocks until it settles or ctx
// expires. The synchronous OpenAI-compatible endpoints ride on this.
func (s *Service) ScheduleAndWait(ctx context.Context, principal string, req *models.InferenceRequest) (*models.Task, error) {
	task, err := s.SubmitTask(ctx, principal, req)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(waitPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		current, err := s.store.Get(ctx, task.TaskID)
		if err != nil {
			return nil, err
		}
		if current.Status.IsTerminal() {
			return current, nil
		}
	}
}

// QueueMetrics reports per-lane depths plus the derived processing count.
func (s *Service) QueueMetrics() models.QueueMetrics {
	depths := s.queue.Depths()
	queued := 0
	for _, n := range depths {
		queued += n
	}

	snap := s.stats.Snapshot()
	processing := int(snap.TotalRequests-snap.TotalCompleted-snap.TotalFailed) - queued
	if processing < 0 {
		processing = 0
	}

	return models.QueueMetrics{
		Queues: map[string]int{
			string(models.TaskPriorityHigh):   depths[models.TaskPriorityHigh],
			string(models.TaskPriorityNormal): depths[models.TaskPriorityNormal],
			string(models.TaskPriorityLow):    depths[models.TaskPriorityLow],
		},
		TotalQueued:     queued,
		TotalProcessing: processing,
	}
}

// Overview is the liveness payload served by GET /health: scheduler shape
// plus live load, never an error.
func (s *Service) Overview() map[string]interface{} {
	return map[string]interface{}{
		"status": "healthy",
		"mode":   s.adapter.Mode(),
		"batching": map[string]interface{}{
			"max_batch_size":         s.config.Batching.MaxBatchSize,
			"batch_wait_timeout":     s.config.Batching.BatchWaitSeconds,
			"max_concurrent_batches": s.config.Batching.MaxConcurrentBatches,
			"queue_depth":            s.queue.Depth(),
			"in_flight_batches":      s.dispatcher.InFlight(),
		},
	}
}

// Health checks the service and its components.
func (s *Service) Health(ctx context.Context) map[string]string {
	health := make(map[string]string)
	health["gateway"] = "healthy"

	if s.adapter.Healthy(ctx) {
		health["engine"] = "healthy"
	} else {
		health["engine"] = "degraded"
	}
	health["task_store"] = "healthy"
	health["queue"] = "healthy"

	return health
}

// DetailedHealth extends Health with scheduler configuration and load.
func (s *Service) DetailedHealth(ctx context.Context) map[string]interface{} {
	queueMetrics := s.QueueMetrics()

	return map[string]interface{}{
		"components":  s.Health(ctx),
		"engine_mode": s.adapter.Mode(),
		"store": map[string]interface{}{
			"backend":  s.config.TaskStore.Backend,
			"retained": s.store.Count(ctx),
		},
		"queue": queueMetrics,
		"batching": map[string]interface{}{
			"max_batch_size":         s.config.Batching.MaxBatchSize,
			"batch_wait_seconds":     s.config.Batching.BatchWaitSeconds,
			"max_concurrent_batches": s.config.Batching.MaxConcurrentBatches,
			"batches_in_flight":      s.dispatcher.InFlight(),
		},
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	}
}
