package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/S-Corkum/vllm-gateway/internal/models"
	"github.com/S-Corkum/vllm-gateway/internal/observability"
)

// RealConfig points the adapter at an OpenAI-compatible upstream.
type RealConfig struct {
	BaseURL        string
	Model          string
	Timeout        time.Duration
	FallbackToMock bool
}

// RealAdapter forwards each task in a batch to the upstream chat-completions
// endpoint in parallel. Per-task failures degrade to mock fallback when
// enabled; the adapter itself never fails a whole batch on upstream errors.
type RealAdapter struct {
	baseURL  string
	model    string
	timeout  time.Duration
	fallback bool
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   observability.Logger
}

// NewRealAdapter creates a real-mode adapter. The circuit breaker trips on
// sustained consecutive failures only, so intermittent upstream errors keep
// flowing through (and falling back) per task.
func NewRealAdapter(cfg RealConfig, logger observability.Logger) *RealAdapter {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "vllm-upstream",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 8
		},
		IsSuccessful: func(err error) bool {
			// Shutdown cancellations say nothing about upstream health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Upstream circuit state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})

	return &RealAdapter{
		baseURL:  cfg.BaseURL,
		model:    cfg.Model,
		timeout:  cfg.Timeout,
		fallback: cfg.FallbackToMock,
		client:   client,
		breaker:  breaker,
		logger:   logger,
	}
}

// GenerateBatch issues one upstream call per task, in parallel, each bounded
// by the configured timeout.
func (a *RealAdapter) GenerateBatch(ctx context.Context, batch *models.Batch) ([]models.TaskOutcome, error) {
	short := shortID(batch.BatchID)
	outcomes := make([]models.TaskOutcome, len(batch.Tasks))

	var wg sync.WaitGroup
	for i, task := range batch.Tasks {
		wg.Add(1)
		go func(i int, task *models.Task) {
			defer wg.Done()
			outcomes[i] = a.generateOne(ctx, task, short)
		}(i, task)
	}
	wg.Wait()

	return outcomes, nil
}

func (a *RealAdapter) generateOne(ctx context.Context, task *models.Task, short string) models.TaskOutcome {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	content, tokens, err := a.chatCompletion(callCtx, task)
	if err == nil {
		return models.TaskOutcome{
			TaskID:          task.TaskID,
			Response:        content,
			TokensGenerated: tokens,
			Source:          models.SourceReal,
		}
	}

	if a.fallback {
		a.logger.Warn("Upstream call failed, serving mock fallback", map[string]interface{}{
			"task_id": task.TaskID,
			"error":   err.Error(),
		})
		return mockOutcome(task, short, models.SourceMockFallback)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		err = ErrUpstreamTimeout
	}
	return models.TaskOutcome{TaskID: task.TaskID, Err: err}
}

func (a *RealAdapter) chatCompletion(ctx context.Context, task *models.Task) (string, int, error) {
	payload := models.ChatCompletionRequest{
		Model:       a.modelFor(task),
		Messages:    []models.ChatMessage{{Role: "user", Content: task.Prompt}},
		MaxTokens:   &task.MaxTokens,
		Temperature: &task.Temperature,
	}

	result, err := a.breaker.Execute(func() (interface{}, error) {
		return a.postChatCompletion(ctx, payload)
	})
	if err != nil {
		return "", 0, err
	}

	parsed := result.(*models.ChatCompletionResponse)
	content, ok := parsed.FirstContent()
	if !ok {
		return "", 0, fmt.Errorf("upstream response has no choices")
	}
	return content, parsed.Usage.CompletionTokens, nil
}

func (a *RealAdapter) postChatCompletion(ctx context.Context, payload models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	var parsed models.ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &parsed, nil
}

// modelFor forwards the task's model upstream, substituting the configured
// upstream model for the gateway's synthetic default.
func (a *RealAdapter) modelFor(task *models.Task) string {
	if task.Model == "" || task.Model == models.DefaultModel {
		return a.model
	}
	return task.Model
}

// ListModels proxies the upstream model list. When the upstream is down and
// fallback is enabled, a synthesized entry for the configured model is
// returned instead.
func (a *RealAdapter) ListModels(ctx context.Context) (*models.ModelList, error) {
	list, err := a.fetchModels(ctx)
	if err == nil {
		return list, nil
	}

	if a.fallback {
		return &models.ModelList{
			Object: "list",
			Data: []models.ModelInfo{
				{ID: a.model, Object: "model", Created: time.Now().Unix(), OwnedBy: "vllm-gateway"},
			},
		}, nil
	}
	return nil, err
}

func (a *RealAdapter) fetchModels(ctx context.Context) (*models.ModelList, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	var list models.ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &list, nil
}

// Mode identifies the adapter for health reporting.
func (a *RealAdapter) Mode() string { return "real" }

// Healthy probes the upstream model list endpoint.
func (a *RealAdapter) Healthy(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, a.baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Probe retries the health check at startup. Failure only logs a warning:
// the gateway serves regardless, with per-task fallback covering the gap.
func (a *RealAdapter) Probe(ctx context.Context) bool {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 10 * time.Second

	err := backoff.Retry(func() error {
		if a.Healthy(ctx) {
			return nil
		}
		return fmt.Errorf("upstream %s not ready", a.baseURL)
	}, backoff.WithContext(policy, ctx))

	if err != nil {
		a.logger.Warn("Upstream probe failed at startup", map[string]interface{}{
			"url":      a.baseURL,
			"error":    err.Error(),
			"fallback": a.fallback,
		})
		return false
	}

	a.logger.Info("Upstream probe succeeded", map[string]interface{}{"url": a.baseURL})
	return true
}
