package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/S-Corkum/vllm-gateway/internal/models"
)

// defaultSyncWait bounds the synchronous endpoints when no write timeout is
// configured.
const defaultSyncWait = 2 * time.Minute

// syncWaitBudget is how long a synchronous request may wait for its task to
// settle. It stays inside the server's write timeout so the response can
// still be written after the wait.
func (s *Server) syncWaitBudget() time.Duration {
	switch {
	case s.config.WriteTimeout > 5*time.Second:
		return s.config.WriteTimeout - 5*time.Second
	case s.config.WriteTimeout > 0:
		return s.config.WriteTimeout
	default:
		return defaultSyncWait
	}
}

// awaitTask schedules the request and blocks until the task settles. A nil
// return means the error response has already been written.
func (s *Server) awaitTask(c *gin.Context, req *models.InferenceRequest) *models.Task {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.syncWaitBudget())
	defer cancel()

	task, err := s.service.ScheduleAndWait(ctx, principal(c), req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "request timed out waiting for completion"})
			return nil
		}
		s.writeServiceError(c, err)
		return nil
	}

	if task.Status != models.TaskStatusCompleted || task.Result == nil {
		if task.Error == "shutdown" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service is shutting down"})
			return nil
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "engine error: " + task.Error})
		return nil
	}
	return task
}

// promptTokens approximates the prompt's token count the same way the mock
// engine does, by whitespace fields.
func promptTokens(prompt string) int {
	return len(strings.Fields(prompt))
}

// @Summary OpenAI-compatible chat completion
// @Description Run one chat completion through the batching scheduler and wait for the result
// @Tags openai
// @Accept json
// @Produce json
// @Param request body models.ChatCompletionRequest true "Chat completion request"
// @Success 200 {object} models.ChatCompletionResponse "Completion"
// @Failure 400 {object} ErrorResponse "Validation failed"
// @Failure 401 {object} ErrorResponse "Authentication required"
// @Failure 502 {object} ErrorResponse "Engine failed the request"
// @Failure 503 {object} ErrorResponse "Queue full"
// @Failure 504 {object} ErrorResponse "Timed out waiting for completion"
// @Security BearerAuth
// @Router /v1/chat/completions [post]
// chatCompletions serves synchronous chat completions. The last message is
// treated as the prompt; the task still goes through the queue, so batching
// discipline applies in both engine modes.
func (s *Server) chatCompletions(c *gin.Context) {
	var body models.ChatCompletionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if len(body.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages must not be empty"})
		return
	}
	if body.Stream {
		c.JSON(http.StatusBadRequest, gin.H{"error": "streaming is not supported"})
		return
	}

	req := models.InferenceRequest{
		Prompt:      body.LastUserContent(),
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
		Model:       body.Model,
	}
	if err := req.Validate(s.config.MaxPromptLength); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task := s.awaitTask(c, &req)
	if task == nil {
		return
	}

	prompt := promptTokens(task.Prompt)
	c.JSON(http.StatusOK, models.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   task.Model,
		Choices: []models.ChatCompletionChoice{
			{
				Index:        0,
				Message:      models.ChatMessage{Role: "assistant", Content: task.Result.Response},
				FinishReason: "stop",
			},
		},
		Usage: models.Usage{
			PromptTokens:     prompt,
			CompletionTokens: task.Result.TokensGenerated,
			TotalTokens:      prompt + task.Result.TokensGenerated,
		},
	})
}

// @Summary OpenAI-compatible text completion
// @Description Run one legacy text completion through the batching scheduler and wait for the result
// @Tags openai
// @Accept json
// @Produce json
// @Param request body models.CompletionRequest true "Completion request"
// @Success 200 {object} models.CompletionResponse "Completion"
// @Failure 400 {object} ErrorResponse "Validation failed"
// @Failure 401 {object} ErrorResponse "Authentication required"
// @Failure 502 {object} ErrorResponse "Engine failed the request"
// @Failure 503 {object} ErrorResponse "Queue full"
// @Failure 504 {object} ErrorResponse "Timed out waiting for completion"
// @Security BearerAuth
// @Router /v1/completions [post]
// completions serves the legacy synchronous completion endpoint.
func (s *Server) completions(c *gin.Context) {
	var body models.CompletionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if body.Stream {
		c.JSON(http.StatusBadRequest, gin.H{"error": "streaming is not supported"})
		return
	}

	req := models.InferenceRequest{
		Prompt:      body.Prompt,
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
		Model:       body.Model,
	}
	if err := req.Validate(s.config.MaxPromptLength); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task := s.awaitTask(c, &req)
	if task == nil {
		return
	}

	prompt := promptTokens(task.Prompt)
	c.JSON(http.StatusOK, models.CompletionResponse{
		ID:      "cmpl-" + uuid.NewString(),
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Model:   task.Model,
		Choices: []models.CompletionChoice{
			{
				Text:         task.Result.Response,
				Index:        0,
				Logprobs:     nil,
				FinishReason: "length",
			},
		},
		Usage: models.Usage{
			PromptTokens:     prompt,
			CompletionTokens: task.Result.TokensGenerated,
			TotalTokens:      prompt + task.Result.TokensGenerated,
		},
	})
}

// @Summary List models
// @Description List the models served by the engine
// @Tags openai
// @Produce json
// @Success 200 {object} models.ModelList "Available models"
// @Failure 401 {object} ErrorResponse "Authentication required"
// @Failure 502 {object} ErrorResponse "Engine unavailable"
// @Security BearerAuth
// @Router /v1/models [get]
// listModels proxies the engine's model list.
func (s *Server) listModels(c *gin.Context) {
	list, err := s.service.Models(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "engine unavailable"})
		return
	}
	c.JSON(http.StatusOK, list)
}
