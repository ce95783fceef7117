package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/S-Corkum/vllm-gateway/internal/auth"
	"github.com/S-Corkum/vllm-gateway/internal/core"
	"github.com/S-Corkum/vllm-gateway/internal/models"
	"github.com/S-Corkum/vllm-gateway/internal/queue"
)

// ErrorResponse is the payload for every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// principal returns the authenticated caller. The auth middleware guarantees
// it is set on every authed route.
func principal(c *gin.Context) string {
	p, _ := auth.PrincipalFromContext(c)
	return p
}

// writeServiceError maps service errors onto the HTTP contract.
func (s *Server) writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	case errors.Is(err, core.ErrNotCancellable):
		c.JSON(http.StatusBadRequest, gin.H{"error": "task is not cancellable"})
	case errors.Is(err, queue.ErrQueueFull):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue full"})
	case errors.Is(err, queue.ErrQueueClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service is shutting down"})
	default:
		s.logger.Error("Request failed", map[string]interface{}{
			"path":  c.Request.URL.Path,
			"error": err.Error(),
		})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// @Summary Issue an access token
// @Description Exchange a username and password for a signed bearer token
// @Tags auth
// @Accept x-www-form-urlencoded
// @Produce json
// @Param username formData string true "Username"
// @Param password formData string true "Password"
// @Success 200 {object} models.TokenResponse "Signed bearer token"
// @Failure 400 {object} ErrorResponse "Missing credentials"
// @Failure 401 {object} ErrorResponse "Invalid credentials"
// @Router /token [post]
// issueToken exchanges form credentials for a JWT.
func (s *Server) issueToken(c *gin.Context) {
	username := c.PostForm("username")
	password := c.PostForm("password")
	if username == "" || password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	token, err := s.service.Auth().IssueToken(c.Request.Context(), username, password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		s.logger.Error("Token issuance failed", map[string]interface{}{"error": err.Error()})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
		return
	}

	c.JSON(http.StatusOK, models.TokenResponse{AccessToken: token, TokenType: "bearer"})
}

// @Summary Submit an inference task
// @Description Queue a prompt for batched inference and return its task id immediately
// @Tags inference
// @Accept json
// @Produce json
// @Param request body models.InferenceRequest true "Inference request"
// @Success 202 {object} models.SubmitResponse "Task accepted"
// @Failure 400 {object} ErrorResponse "Validation failed"
// @Failure 401 {object} ErrorResponse "Authentication required"
// @Failure 503 {object} ErrorResponse "Queue full"
// @Security BearerAuth
// @Router /inference/async [post]
// submitInference validates the body strictly and enqueues one task.
func (s *Server) submitInference(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read request body"})
		return
	}
	if err := s.validator.ValidateSingle(body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var req models.InferenceRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if err := req.Validate(s.config.MaxPromptLength); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := s.service.SubmitTask(c.Request.Context(), principal(c), &req)
	if err != nil {
		s.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, models.SubmitResponse{
		TaskID: task.TaskID,
		Status: string(task.Status),
	})
}

// @Summary Submit a batch of inference tasks
// @Description Queue up to the configured limit of prompts in one call. Validation is all-or-nothing; enqueueing is not: tasks accepted before a queue-full are kept and reported.
// @Tags inference
// @Accept json
// @Produce json
// @Param requests body []models.InferenceRequest true "Inference requests"
// @Success 202 {object} models.BatchSubmitResponse "Tasks accepted"
// @Failure 400 {object} ErrorResponse "Validation failed"
// @Failure 401 {object} ErrorResponse "Authentication required"
// @Failure 503 {object} ErrorResponse "Queue filled mid-batch"
// @Security BearerAuth
// @Router /inference/batch [post]
// submitBatch validates the whole array before enqueueing any of it.
func (s *Server) submitBatch(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read request body"})
		return
	}
	if err := s.validator.ValidateBatch(body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var reqs []models.InferenceRequest
	if err := json.Unmarshal(body, &reqs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	for i := range reqs {
		if err := reqs[i].Validate(s.config.MaxPromptLength); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("request %d: %v", i, err)})
			return
		}
	}

	ids, err := s.service.SubmitBatch(c.Request.Context(), principal(c), reqs)
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) || errors.Is(err, queue.ErrQueueClosed) {
			msg := "queue full"
			if errors.Is(err, queue.ErrQueueClosed) {
				msg = "service is shutting down"
			}
			c.Header("Retry-After", "1")
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":    msg,
				"task_ids": ids,
				"count":    len(ids),
			})
			return
		}
		s.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, models.BatchSubmitResponse{TaskIDs: ids, Count: len(ids)})
}

// @Summary Cancel a queued task
// @Description Cancel a task that has not been claimed into a batch yet
// @Tags inference
// @Produce json
// @Param task_id path string true "Task ID"
// @Success 200 {object} object "Cancellation confirmation"
// @Failure 400 {object} ErrorResponse "Task already claimed or settled"
// @Failure 401 {object} ErrorResponse "Authentication required"
// @Failure 404 {object} ErrorResponse "Task not found"
// @Security BearerAuth
// @Router /inference/{task_id} [delete]
// cancelTask fails a still-queued task with reason "cancelled".
func (s *Server) cancelTask(c *gin.Context) {
	taskID := c.Param("task_id")
	task, err := s.service.CancelTask(c.Request.Context(), principal(c), taskID)
	if err != nil {
		if errors.Is(err, core.ErrNotCancellable) {
			status := "unknown"
			if current, gerr := s.service.GetTask(c.Request.Context(), principal(c), taskID); gerr == nil {
				status = string(current.Status)
			}
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("cannot cancel task in status: %s", status),
			})
			return
		}
		s.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "cancelled", "task_id": task.TaskID})
}

// @Summary Get a task
// @Description Retrieve one of the caller's tasks, including its result once settled
// @Tags tasks
// @Produce json
// @Param task_id path string true "Task ID"
// @Success 200 {object} models.TaskView "Task record"
// @Failure 401 {object} ErrorResponse "Authentication required"
// @Failure 404 {object} ErrorResponse "Task not found"
// @Security BearerAuth
// @Router /tasks/{task_id} [get]
// getTask returns the caller's task by id.
func (s *Server) getTask(c *gin.Context) {
	task, err := s.service.GetTask(c.Request.Context(), principal(c), c.Param("task_id"))
	if err != nil {
		s.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, task.View())
}

// @Summary List recent tasks
// @Description List the caller's most recent tasks, newest first
// @Tags tasks
// @Produce json
// @Param limit query int false "Maximum tasks to return (default 100)"
// @Success 200 {object} object "Task list"
// @Failure 400 {object} ErrorResponse "Invalid limit"
// @Failure 401 {object} ErrorResponse "Authentication required"
// @Security BearerAuth
// @Router /tasks [get]
// listTasks returns the caller's recent tasks.
func (s *Server) listTasks(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	tasks, err := s.service.ListTasks(c.Request.Context(), principal(c), limit)
	if err != nil {
		s.writeServiceError(c, err)
		return
	}

	views := make([]*models.TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, t.View())
	}
	c.JSON(http.StatusOK, gin.H{"tasks": views, "count": len(views)})
}

// @Summary Gateway health
// @Description Liveness plus the scheduler's shape and current load
// @Tags health
// @Produce json
// @Success 200 {object} object "Health overview"
// @Router /health [get]
// health reports liveness; it never fails.
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.Overview())
}

// @Summary Detailed component health
// @Tags health
// @Produce json
// @Success 200 {object} object "Per-component statuses"
// @Router /health/detailed [get]
// detailedHealth reports per-component statuses; degraded is still 200.
func (s *Server) detailedHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.DetailedHealth(c.Request.Context()))
}

// @Summary Throughput statistics
// @Tags health
// @Produce json
// @Success 200 {object} stats.Snapshot "Counters since start"
// @Router /stats [get]
// stats returns the throughput counters.
func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.Stats())
}

// @Summary Queue depths
// @Tags health
// @Produce json
// @Success 200 {object} models.QueueMetrics "Per-priority depths"
// @Failure 401 {object} ErrorResponse "Authentication required"
// @Security BearerAuth
// @Router /metrics/queue [get]
// queueMetrics returns per-lane queue depths and the processing count.
func (s *Server) queueMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.QueueMetrics())
}
