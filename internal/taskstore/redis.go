package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/S-Corkum/vllm-gateway/internal/models"
	"github.com/S-Corkum/vllm-gateway/internal/observability"
)

const (
	taskKeyPrefix = "task:"
	taskIndexKey  = "tasks:index"

	transitionRetries = 5
)

// RedisConfig tunes the Redis-backed store
type RedisConfig struct {
	URL         string
	Retention   time.Duration
	MaxRetained int
}

// RedisStore keeps each task as a hash at task:{task_id} with a TTL equal
// to the retention window, plus a sorted-set index scored by creation time
// for recency listing. Conditional transitions run under WATCH so a
// concurrent writer forces a retry instead of a lost update.
type RedisStore struct {
	client      *redis.Client
	retention   time.Duration
	maxRetained int
	logger      observability.Logger
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(cfg RedisConfig, logger observability.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{
		client:      client,
		retention:   cfg.Retention,
		maxRetained: cfg.MaxRetained,
		logger:      logger,
	}, nil
}

// NewRedisStoreWithClient wraps an existing client, used by tests
func NewRedisStoreWithClient(client *redis.Client, cfg RedisConfig, logger observability.Logger) *RedisStore {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &RedisStore{
		client:      client,
		retention:   cfg.Retention,
		maxRetained: cfg.MaxRetained,
		logger:      logger,
	}
}

// Create inserts a new task hash and index entry
func (s *RedisStore) Create(ctx context.Context, task *models.Task) error {
	key := taskKeyPrefix + task.TaskID

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis exists: %w", err)
	}
	if exists > 0 {
		return ErrAlreadyExists
	}

	stored := task.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	fields, err := taskToFields(stored)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if s.retention > 0 {
		pipe.Expire(ctx, key, s.retention)
	}
	pipe.ZAdd(ctx, taskIndexKey, &redis.Z{
		Score:  float64(stored.CreatedAt.UnixNano()),
		Member: stored.TaskID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis create: %w", err)
	}
	return nil
}

// Get returns the task record
func (s *RedisStore) Get(ctx context.Context, taskID string) (*models.Task, error) {
	fields, err := s.client.HGetAll(ctx, taskKeyPrefix+taskID).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return taskFromFields(taskID, fields)
}

// List returns the most recent tasks, newest first
func (s *RedisStore) List(ctx context.Context, principal string, limit int) ([]*models.Task, error) {
	limit = clampLimit(limit)

	// Over-fetch to absorb expired hashes and principal filtering; the index
	// may lag behind key TTLs.
	ids, err := s.client.ZRevRange(ctx, taskIndexKey, 0, int64(limit*4)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange: %w", err)
	}

	out := make([]*models.Task, 0, limit)
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		task, err := s.Get(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if principal != "" && task.Principal != principal {
			continue
		}
		out = append(out, task)
	}
	return out, nil
}

// Transition moves the task between statuses under WATCH
func (s *RedisStore) Transition(ctx context.Context, taskID string, from, to models.TaskStatus, patch Patch) (*models.Task, error) {
	key := taskKeyPrefix + taskID
	var result *models.Task

	txn := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return ErrNotFound
		}

		task, err := taskFromFields(taskID, fields)
		if err != nil {
			return err
		}
		if task.Status != from {
			return ErrStaleTransition
		}

		applyPatch(task, to, patch)
		updated, err := taskToFields(task)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, updated)
			return nil
		})
		if err == nil {
			result = task
		}
		return err
	}

	for i := 0; i < transitionRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("redis transition: too many conflicts on task %s", taskID)
}

// Evict prunes index entries whose hashes expired and enforces the cap on
// terminal tasks, oldest first.
func (s *RedisStore) Evict(ctx context.Context) int {
	evicted := 0

	ids, err := s.client.ZRange(ctx, taskIndexKey, 0, -1).Result()
	if err != nil {
		s.logger.Warn("redis evict scan failed", map[string]interface{}{"error": err.Error()})
		return 0
	}

	total := len(ids)
	for _, id := range ids {
		key := taskKeyPrefix + id
		exists, err := s.client.Exists(ctx, key).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			// Hash reached its TTL; drop the dangling index entry.
			s.client.ZRem(ctx, taskIndexKey, id)
			evicted++
			total--
			continue
		}
		if s.maxRetained > 0 && total > s.maxRetained {
			status, err := s.client.HGet(ctx, key, "status").Result()
			if err == nil && models.TaskStatus(status).IsTerminal() {
				s.client.Del(ctx, key)
				s.client.ZRem(ctx, taskIndexKey, id)
				evicted++
				total--
			}
		}
	}
	return evicted
}

// Count returns the number of indexed records
func (s *RedisStore) Count(ctx context.Context) int {
	n, err := s.client.ZCard(ctx, taskIndexKey).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

// Close releases the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func taskToFields(task *models.Task) (map[string]interface{}, error) {
	fields := map[string]interface{}{
		"principal":   task.Principal,
		"priority":    string(task.Priority),
		"prompt":      task.Prompt,
		"max_tokens":  strconv.Itoa(task.MaxTokens),
		"temperature": strconv.FormatFloat(task.Temperature, 'f', -1, 64),
		"model":       task.Model,
		"status":      string(task.Status),
		"created_at":  task.CreatedAt.Format(time.RFC3339Nano),
	}
	if task.StartedAt != nil {
		fields["started_at"] = task.StartedAt.Format(time.RFC3339Nano)
	}
	if task.CompletedAt != nil {
		fields["completed_at"] = task.CompletedAt.Format(time.RFC3339Nano)
	}
	if task.Error != "" {
		fields["error"] = task.Error
	}
	if task.Result != nil {
		data, err := json.Marshal(task.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		fields["result"] = string(data)
	}
	return fields, nil
}

func taskFromFields(taskID string, fields map[string]string) (*models.Task, error) {
	task := &models.Task{
		TaskID:    taskID,
		Principal: fields["principal"],
		Priority:  models.TaskPriority(fields["priority"]),
		Prompt:    fields["prompt"],
		Model:     fields["model"],
		Status:    models.TaskStatus(fields["status"]),
		Error:     fields["error"],
	}

	if v := fields["max_tokens"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse max_tokens: %w", err)
		}
		task.MaxTokens = n
	}
	if v := fields["temperature"]; v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("parse temperature: %w", err)
		}
		task.Temperature = f
	}
	if v := fields["created_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		task.CreatedAt = t
	}
	if v := fields["started_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		task.StartedAt = &t
	}
	if v := fields["completed_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		task.CompletedAt = &t
	}
	if v := fields["result"]; v != "" {
		var result models.TaskResult
		if err := json.Unmarshal([]byte(v), &result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		task.Result = &result
	}
	return task, nil
}
