package taskstore

import (
	"context"
	"sync"
	"time"

	"github.com/S-Corkum/vllm-gateway/internal/models"
	"github.com/S-Corkum/vllm-gateway/internal/observability"
)

// MemoryConfig tunes the in-memory store
type MemoryConfig struct {
	Retention     time.Duration
	MaxRetained   int
	EvictInterval time.Duration
}

// MemoryStore keeps task records in a map with an insertion-order index.
// Retention evicts terminal tasks past the TTL, then the oldest terminal
// tasks once the cap is exceeded. Records still owned by the queue or the
// dispatcher (queued, processing) are never evicted.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
	order []string // task ids in creation order, oldest first

	retention   time.Duration
	maxRetained int

	logger observability.Logger

	evictInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// NewMemoryStore creates an in-memory store and starts its eviction loop
func NewMemoryStore(cfg MemoryConfig, logger observability.Logger) *MemoryStore {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if cfg.EvictInterval <= 0 {
		cfg.EvictInterval = time.Minute
	}
	s := &MemoryStore{
		tasks:         make(map[string]*models.Task),
		retention:     cfg.Retention,
		maxRetained:   cfg.MaxRetained,
		logger:        logger,
		evictInterval: cfg.EvictInterval,
		stopCh:        make(chan struct{}),
	}

	s.wg.Add(1)
	go s.evictLoop()

	return s
}

// Create inserts a new task record
func (s *MemoryStore) Create(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.TaskID]; ok {
		return ErrAlreadyExists
	}

	stored := task.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.tasks[stored.TaskID] = stored
	s.order = append(s.order, stored.TaskID)

	if s.maxRetained > 0 && len(s.tasks) > s.maxRetained {
		s.evictLocked(time.Now())
	}
	return nil
}

// Get returns a copy of the task record
func (s *MemoryStore) Get(ctx context.Context, taskID string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return task.Clone(), nil
}

// List returns the most recent tasks, newest first
func (s *MemoryStore) List(ctx context.Context, principal string, limit int) ([]*models.Task, error) {
	limit = clampLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Task, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		task, ok := s.tasks[s.order[i]]
		if !ok {
			continue
		}
		if principal != "" && task.Principal != principal {
			continue
		}
		out = append(out, task.Clone())
	}
	return out, nil
}

// Transition moves the task between statuses, applying the patch atomically
func (s *MemoryStore) Transition(ctx context.Context, taskID string, from, to models.TaskStatus, patch Patch) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if task.Status != from {
		return nil, ErrStaleTransition
	}

	applyPatch(task, to, patch)
	return task.Clone(), nil
}

// Evict applies TTL and cap retention and returns the number of evictions
func (s *MemoryStore) Evict(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(time.Now())
}

// Count returns the number of retained records
func (s *MemoryStore) Count(ctx context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Close stops the eviction loop
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	return nil
}

func (s *MemoryStore) evictLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.Evict(context.Background()); n > 0 {
				s.logger.Debug("evicted task records", map[string]interface{}{"count": n})
			}
		case <-s.stopCh:
			return
		}
	}
}

// evictLocked removes terminal tasks past the TTL, then the oldest terminal
// tasks while the cap is exceeded. It compacts the order index in place.
func (s *MemoryStore) evictLocked(now time.Time) int {
	evicted := 0
	cutoff := now.Add(-s.retention)

	kept := s.order[:0]
	for _, id := range s.order {
		task, ok := s.tasks[id]
		if !ok {
			continue
		}
		expired := s.retention > 0 && task.CreatedAt.Before(cutoff)
		overCap := s.maxRetained > 0 && len(s.tasks) > s.maxRetained
		if task.Status.IsTerminal() && (expired || overCap) {
			delete(s.tasks, id)
			evicted++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return evicted
}
