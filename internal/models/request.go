package models

import (
	"fmt"
	"strings"
)

// Parameter bounds for inference submissions
const (
	MinMaxTokens       = 1
	MaxMaxTokens       = 4096
	DefaultMaxTokens   = 100
	MinTemperature     = 0.0
	MaxTemperature     = 2.0
	DefaultTemperature = 0.7
	DefaultModel       = "mock-model"
)

// InferenceRequest is a single task submission. Optional fields are
// pointers so defaults can be distinguished from explicit zero values.
type InferenceRequest struct {
	Prompt      string   `json:"prompt"`
	Priority    string   `json:"priority,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Model       string   `json:"model,omitempty"`
}

// Validate checks the request against the parameter bounds. maxPromptLen
// comes from configuration.
func (r *InferenceRequest) Validate(maxPromptLen int) error {
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("prompt must not be empty")
	}
	if maxPromptLen > 0 && len(r.Prompt) > maxPromptLen {
		return fmt.Errorf("prompt exceeds maximum length of %d characters", maxPromptLen)
	}
	if r.Priority != "" {
		if err := TaskPriority(r.Priority).Validate(); err != nil {
			return err
		}
	}
	if r.MaxTokens != nil && (*r.MaxTokens < MinMaxTokens || *r.MaxTokens > MaxMaxTokens) {
		return fmt.Errorf("max_tokens must be between %d and %d", MinMaxTokens, MaxMaxTokens)
	}
	if r.Temperature != nil && (*r.Temperature < MinTemperature || *r.Temperature > MaxTemperature) {
		return fmt.Errorf("temperature must be between %.1f and %.1f", MinTemperature, MaxTemperature)
	}
	return nil
}

// ToTask materializes the request into a queued Task for the given
// principal. Defaults are applied here so the stored record is always
// fully populated.
func (r *InferenceRequest) ToTask(taskID, principal string) *Task {
	priority := TaskPriorityNormal
	if r.Priority != "" {
		priority = TaskPriority(r.Priority)
	}
	maxTokens := DefaultMaxTokens
	if r.MaxTokens != nil {
		maxTokens = *r.MaxTokens
	}
	temperature := DefaultTemperature
	if r.Temperature != nil {
		temperature = *r.Temperature
	}
	model := r.Model
	if model == "" {
		model = DefaultModel
	}
	return &Task{
		TaskID:      taskID,
		Principal:   principal,
		Priority:    priority,
		Prompt:      r.Prompt,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Model:       model,
		Status:      TaskStatusQueued,
	}
}

// SubmitResponse is returned by POST /inference/async
type SubmitResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// BatchSubmitResponse is returned by POST /inference/batch
type BatchSubmitResponse struct {
	TaskIDs []string `json:"task_ids"`
	Count   int      `json:"count"`
}

// TokenResponse is returned by POST /token
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// QueueMetrics is returned by GET /metrics/queue. total_processing is
// derived from the throughput counters, so it can lag the lane depths by a
// scheduling instant.
type QueueMetrics struct {
	Queues          map[string]int `json:"queues"`
	TotalQueued     int            `json:"total_queued"`
	TotalProcessing int            `json:"total_processing"`
}
