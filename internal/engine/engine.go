// Package engine adapts the scheduler to a text-generation backend. The mock
// adapter synthesizes deterministic responses; the real adapter forwards each
// task to an OpenAI-compatible upstream with per-task mock fallback.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/S-Corkum/vllm-gateway/internal/models"
)

// ErrUpstreamTimeout marks a per-task upstream call that exceeded its
// deadline. Tasks failed with it carry the reason "timeout".
var ErrUpstreamTimeout = errors.New("timeout")

// Adapter generates responses for a formed batch. GenerateBatch returns one
// outcome per task, in task order; an error return means the whole batch
// failed. Batch id and size are attached to results by the dispatcher, not
// here.
type Adapter interface {
	GenerateBatch(ctx context.Context, batch *models.Batch) ([]models.TaskOutcome, error)
	ListModels(ctx context.Context) (*models.ModelList, error)
	Mode() string
	Healthy(ctx context.Context) bool
}

// shortID abbreviates a batch id for embedding in mock responses.
func shortID(batchID string) string {
	if len(batchID) > 8 {
		return batchID[:8]
	}
	return batchID
}

// countTokens approximates the prompt's token count by whitespace splitting.
func countTokens(prompt string) int {
	return len(strings.Fields(prompt))
}

// mockOutcome builds the deterministic response used by mock mode and by
// per-task fallback in real mode.
func mockOutcome(task *models.Task, short, source string) models.TaskOutcome {
	tokens := countTokens(task.Prompt) * 2
	if task.MaxTokens > 0 && tokens > task.MaxTokens {
		tokens = task.MaxTokens
	}

	return models.TaskOutcome{
		TaskID:          task.TaskID,
		Response:        fmt.Sprintf("[Batched mock response %s] Mock response to: %s", short, task.Prompt),
		TokensGenerated: tokens,
		Source:          source,
	}
}
