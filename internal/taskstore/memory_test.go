package taskstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/S-Corkum/vllm-gateway/internal/models"
)

func newMemoryStore(t *testing.T, cfg MemoryConfig) *MemoryStore {
	t.Helper()
	if cfg.EvictInterval == 0 {
		cfg.EvictInterval = time.Hour // keep the loop quiet during tests
	}
	s := NewMemoryStore(cfg, nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func queuedTask(id, principal string) *models.Task {
	return &models.Task{
		TaskID:    id,
		Principal: principal,
		Priority:  models.TaskPriorityNormal,
		Prompt:    "prompt for " + id,
		Status:    models.TaskStatusQueued,
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := newMemoryStore(t, MemoryConfig{Retention: time.Hour, MaxRetained: 100})
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, queuedTask("t1", "alice")))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TaskID)
	assert.Equal(t, models.TaskStatusQueued, got.Status)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Create(ctx, queuedTask("t1", "alice")), ErrAlreadyExists)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := newMemoryStore(t, MemoryConfig{Retention: time.Hour, MaxRetained: 100})
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, queuedTask("t1", "alice")))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	got.Status = models.TaskStatusFailed
	got.Error = "mutated by reader"

	fresh, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, fresh.Status)
	assert.Empty(t, fresh.Error)
}

func TestMemoryStore_TransitionLifecycle(t *testing.T) {
	s := newMemoryStore(t, MemoryConfig{Retention: time.Hour, MaxRetained: 100})
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, queuedTask("t1", "alice")))

	started := time.Now()
	claimed, err := s.Transition(ctx, "t1", models.TaskStatusQueued, models.TaskStatusProcessing, Patch{StartedAt: &started})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusProcessing, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	completed := started.Add(750 * time.Millisecond)
	settled, err := s.Transition(ctx, "t1", models.TaskStatusProcessing, models.TaskStatusCompleted, Patch{
		CompletedAt: &completed,
		Result: &models.TaskResult{
			Response:        "ok",
			TokensGenerated: 12,
			BatchID:         "b1",
			BatchSize:       4,
			Source:          models.SourceMock,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, settled.Status)
	require.NotNil(t, settled.Result)
	assert.Equal(t, "b1", settled.Result.BatchID)

	pt := settled.ProcessingTime()
	require.NotNil(t, pt)
	assert.InDelta(t, 0.75, *pt, 0.001)
}

func TestMemoryStore_StaleTransition(t *testing.T) {
	s := newMemoryStore(t, MemoryConfig{Retention: time.Hour, MaxRetained: 100})
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, queuedTask("t1", "alice")))

	now := time.Now()
	_, err := s.Transition(ctx, "t1", models.TaskStatusQueued, models.TaskStatusProcessing, Patch{StartedAt: &now})
	require.NoError(t, err)

	// Claiming again must fail: exactly one claim per task.
	_, err = s.Transition(ctx, "t1", models.TaskStatusQueued, models.TaskStatusProcessing, Patch{StartedAt: &now})
	assert.ErrorIs(t, err, ErrStaleTransition)

	_, err = s.Transition(ctx, "missing", models.TaskStatusQueued, models.TaskStatusProcessing, Patch{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListNewestFirstAndPrincipalFilter(t *testing.T) {
	s := newMemoryStore(t, MemoryConfig{Retention: time.Hour, MaxRetained: 100})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		task := queuedTask(fmt.Sprintf("a%d", i), "alice")
		task.CreatedAt = time.Now().Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, s.Create(ctx, task))
	}
	require.NoError(t, s.Create(ctx, queuedTask("b0", "bob")))

	got, err := s.List(ctx, "alice", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a4", got[0].TaskID)
	assert.Equal(t, "a3", got[1].TaskID)
	assert.Equal(t, "a2", got[2].TaskID)

	all, err := s.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 6)
	assert.Equal(t, "b0", all[0].TaskID)
}

func TestMemoryStore_ListClampsLimit(t *testing.T) {
	s := newMemoryStore(t, MemoryConfig{Retention: time.Hour, MaxRetained: 1000})
	ctx := context.Background()

	for i := 0; i < DefaultListLimit+20; i++ {
		require.NoError(t, s.Create(ctx, queuedTask(fmt.Sprintf("t%d", i), "alice")))
	}

	got, err := s.List(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, got, DefaultListLimit)

	got, err = s.List(ctx, "alice", DefaultListLimit+10)
	require.NoError(t, err)
	assert.Len(t, got, DefaultListLimit)
}

func TestMemoryStore_TTLEvictionSkipsNonTerminal(t *testing.T) {
	s := newMemoryStore(t, MemoryConfig{Retention: 10 * time.Millisecond, MaxRetained: 100})
	ctx := context.Background()

	old := queuedTask("old-done", "alice")
	old.Status = models.TaskStatusCompleted
	old.CreatedAt = time.Now().Add(-time.Minute)
	require.NoError(t, s.Create(ctx, old))

	inflight := queuedTask("old-processing", "alice")
	inflight.Status = models.TaskStatusProcessing
	inflight.CreatedAt = time.Now().Add(-time.Minute)
	require.NoError(t, s.Create(ctx, inflight))

	evicted := s.Evict(ctx)
	assert.Equal(t, 1, evicted)

	_, err := s.Get(ctx, "old-done")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "old-processing")
	assert.NoError(t, err)
}

func TestMemoryStore_CapEvictsOldestTerminalFirst(t *testing.T) {
	s := newMemoryStore(t, MemoryConfig{Retention: time.Hour, MaxRetained: 3})
	ctx := context.Background()

	mk := func(id string, status models.TaskStatus, age time.Duration) {
		task := queuedTask(id, "alice")
		task.Status = status
		task.CreatedAt = time.Now().Add(-age)
		require.NoError(t, s.Create(ctx, task))
	}

	mk("oldest-done", models.TaskStatusCompleted, 4*time.Minute)
	mk("old-queued", models.TaskStatusQueued, 3*time.Minute)
	mk("newer-done", models.TaskStatusFailed, 2*time.Minute)
	// The fourth create pushes the store over cap; the oldest terminal
	// record goes, the still-queued one stays.
	mk("newest", models.TaskStatusQueued, 0)

	_, err := s.Get(ctx, "oldest-done")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, id := range []string{"old-queued", "newer-done", "newest"} {
		_, err := s.Get(ctx, id)
		assert.NoError(t, err, "expected %s retained", id)
	}
	assert.Equal(t, 3, s.Count(ctx))
}

func TestMemoryStore_BackgroundEvictionLoop(t *testing.T) {
	s := NewMemoryStore(MemoryConfig{
		Retention:     5 * time.Millisecond,
		MaxRetained:   100,
		EvictInterval: 10 * time.Millisecond,
	}, nil)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	done := queuedTask("done", "alice")
	done.Status = models.TaskStatusCompleted
	done.CreatedAt = time.Now().Add(-time.Second)
	require.NoError(t, s.Create(ctx, done))

	assert.Eventually(t, func() bool {
		_, err := s.Get(ctx, "done")
		return err == ErrNotFound
	}, time.Second, 5*time.Millisecond)
}
