package engine

import (
	"context"
	"time"

	"github.com/S-Corkum/vllm-gateway/internal/models"
	"github.com/S-Corkum/vllm-gateway/internal/observability"
)

// MockConfig tunes the simulated batch latency.
type MockConfig struct {
	BaseLatency    time.Duration
	PerItemLatency time.Duration
}

// MockAdapter produces deterministic responses with a simulated batch-level
// latency of base + per_item * size. The sleep is cooperative so concurrent
// batches are not serialized behind it.
type MockAdapter struct {
	baseLatency    time.Duration
	perItemLatency time.Duration
	logger         observability.Logger
}

// NewMockAdapter creates a mock adapter, applying the 500ms + 50ms/item
// defaults for zero values.
func NewMockAdapter(cfg MockConfig, logger observability.Logger) *MockAdapter {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if cfg.BaseLatency <= 0 {
		cfg.BaseLatency = 500 * time.Millisecond
	}
	if cfg.PerItemLatency <= 0 {
		cfg.PerItemLatency = 50 * time.Millisecond
	}

	return &MockAdapter{
		baseLatency:    cfg.BaseLatency,
		perItemLatency: cfg.PerItemLatency,
		logger:         logger,
	}
}

// GenerateBatch simulates inference for the whole batch.
func (a *MockAdapter) GenerateBatch(ctx context.Context, batch *models.Batch) ([]models.TaskOutcome, error) {
	delay := a.baseLatency + time.Duration(batch.Size())*a.perItemLatency

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	short := shortID(batch.BatchID)
	outcomes := make([]models.TaskOutcome, 0, batch.Size())
	for _, task := range batch.Tasks {
		outcomes = append(outcomes, mockOutcome(task, short, models.SourceMock))
	}

	a.logger.Debug("Mock batch generated", map[string]interface{}{
		"batch_id":   batch.BatchID,
		"batch_size": batch.Size(),
		"latency_ms": delay.Milliseconds(),
	})
	return outcomes, nil
}

// ListModels reports the synthetic model served in mock mode.
func (a *MockAdapter) ListModels(ctx context.Context) (*models.ModelList, error) {
	return &models.ModelList{
		Object: "list",
		Data: []models.ModelInfo{
			{
				ID:      models.DefaultModel,
				Object:  "model",
				Created: time.Now().Unix(),
				OwnedBy: "vllm-gateway",
			},
		},
	}, nil
}

// Mode identifies the adapter for health reporting.
func (a *MockAdapter) Mode() string { return "mock" }

// Healthy always holds for the mock adapter.
func (a *MockAdapter) Healthy(ctx context.Context) bool { return true }
