package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/S-Corkum/vllm-gateway/internal/models"
)

func testBatch(batchID string, prompts ...string) *models.Batch {
	tasks := make([]*models.Task, 0, len(prompts))
	for i, prompt := range prompts {
		tasks = append(tasks, &models.Task{
			TaskID:      "task-" + string(rune('a'+i)),
			Priority:    models.TaskPriorityNormal,
			Prompt:      prompt,
			MaxTokens:   100,
			Temperature: 0.7,
			Model:       models.DefaultModel,
			Status:      models.TaskStatusProcessing,
		})
	}
	return &models.Batch{BatchID: batchID, Tasks: tasks, FormedAt: time.Now()}
}

func TestMockAdapter_ResponseFormat(t *testing.T) {
	a := NewMockAdapter(MockConfig{BaseLatency: time.Millisecond, PerItemLatency: time.Millisecond}, nil)
	batch := testBatch("0123456789abcdef", "What is Python?")

	outcomes, err := a.GenerateBatch(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	out := outcomes[0]
	assert.Equal(t, "task-a", out.TaskID)
	assert.Equal(t, "[Batched mock response 01234567] Mock response to: What is Python?", out.Response)
	assert.True(t, strings.HasPrefix(out.Response, "[Batched mock response "))
	assert.Equal(t, models.SourceMock, out.Source)
	assert.NoError(t, out.Err)
	// "What is Python?" splits into 3 tokens, doubled.
	assert.Equal(t, 6, out.TokensGenerated)
}

func TestMockAdapter_TokenClamp(t *testing.T) {
	a := NewMockAdapter(MockConfig{BaseLatency: time.Millisecond, PerItemLatency: time.Millisecond}, nil)

	batch := testBatch("b1", strings.Repeat("word ", 200))
	batch.Tasks[0].MaxTokens = 16

	outcomes, err := a.GenerateBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 16, outcomes[0].TokensGenerated)
}

func TestMockAdapter_SimulatedLatency(t *testing.T) {
	a := NewMockAdapter(MockConfig{BaseLatency: 40 * time.Millisecond, PerItemLatency: 10 * time.Millisecond}, nil)
	batch := testBatch("b1", "one", "two", "three")

	start := time.Now()
	_, err := a.GenerateBatch(context.Background(), batch)
	require.NoError(t, err)

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 70*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestMockAdapter_ContextCancel(t *testing.T) {
	a := NewMockAdapter(MockConfig{BaseLatency: 5 * time.Second, PerItemLatency: time.Millisecond}, nil)
	batch := testBatch("b1", "slow")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := a.GenerateBatch(ctx, batch)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMockAdapter_OutcomeOrder(t *testing.T) {
	a := NewMockAdapter(MockConfig{BaseLatency: time.Millisecond, PerItemLatency: time.Millisecond}, nil)
	batch := testBatch("b1", "first", "second", "third")

	outcomes, err := a.GenerateBatch(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	for i, out := range outcomes {
		assert.Equal(t, batch.Tasks[i].TaskID, out.TaskID)
		assert.Contains(t, out.Response, batch.Tasks[i].Prompt)
		assert.Equal(t, models.SourceMock, out.Source)
	}
}

func TestMockAdapter_Defaults(t *testing.T) {
	a := NewMockAdapter(MockConfig{}, nil)
	assert.Equal(t, 500*time.Millisecond, a.baseLatency)
	assert.Equal(t, 50*time.Millisecond, a.perItemLatency)
	assert.Equal(t, "mock", a.Mode())
	assert.True(t, a.Healthy(context.Background()))

	list, err := a.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, list.Data, 1)
	assert.Equal(t, models.DefaultModel, list.Data[0].ID)
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "01234567", shortID("0123456789abcdef"))
	assert.Equal(t, "ab", shortID("ab"))
}
