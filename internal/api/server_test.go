package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/S-Corkum/vllm-gateway/internal/config"
	"github.com/S-Corkum/vllm-gateway/internal/core"
	"github.com/S-Corkum/vllm-gateway/internal/models"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	goleak.VerifyTestMain(m)
}

func testConfig() *config.Config {
	return &config.Config{
		API: config.APIConfig{
			ListenAddress:   ":0",
			WriteTimeout:    30 * time.Second,
			MaxPromptLength: 8192,
			MaxBatchSubmit:  100,
		},
		Auth: config.AuthConfig{
			JWTSecret:         "test-secret",
			JWTAlgorithm:      "HS256",
			ExpirationMinutes: 30,
			SeedUsers:         true,
		},
		Batching: config.BatchingConfig{
			MaxBatchSize:         8,
			BatchWaitSeconds:     0.02,
			MaxConcurrentBatches: 2,
		},
		Engine: config.EngineConfig{
			RequestTimeoutSeconds: 5,
			FallbackToMock:        true,
			MockBaseLatencyMS:     5,
			MockPerItemLatencyMS:  1,
		},
		Queue: config.QueueConfig{MaxDepth: 100},
		TaskStore: config.TaskStoreConfig{
			Backend:          "memory",
			RetentionSeconds: 3600,
			MaxRetained:      1000,
		},
		Logging: config.LoggingConfig{Level: "error"},
	}
}

// rig is one gateway behind an in-process router, with a token for the
// seeded default user.
type rig struct {
	server  *Server
	service *core.Service
	token   string
}

// newRig builds a gateway. With start=false the batcher never runs, so
// submitted tasks stay queued; tests that need settlement start the service
// themselves or pass start=true.
func newRig(t *testing.T, cfg *config.Config, start bool) *rig {
	t.Helper()

	service, err := core.NewService(cfg, nil, nil)
	require.NoError(t, err)
	if start {
		service.Start()
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, service.Shutdown(ctx))
	})

	server, err := NewServer(cfg, service, nil)
	require.NoError(t, err)

	r := &rig{server: server, service: service}
	r.token = r.issueToken(t, "testuser", "password123")
	return r
}

func (r *rig) issueToken(t *testing.T, username, password string) string {
	t.Helper()
	form := url.Values{"username": {username}, "password": {password}}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	r.server.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body models.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.AccessToken)
	return body.AccessToken
}

// do sends one request through the router. A string body is sent verbatim;
// anything else is marshalled to JSON.
func (r *rig) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			if err != nil {
				panic(err)
			}
			reader = bytes.NewReader(raw)
		}
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.server.Router().ServeHTTP(rec, req)
	return rec
}

// submit enqueues one prompt and returns its task id.
func (r *rig) submit(t *testing.T, prompt string) string {
	t.Helper()
	rec := r.do(http.MethodPost, "/inference/async", r.token, models.InferenceRequest{Prompt: prompt})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp models.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TaskID)
	require.Equal(t, "queued", resp.Status)
	return resp.TaskID
}

// waitTerminal polls the task endpoint until the task settles.
func (r *rig) waitTerminal(t *testing.T, taskID string) *models.TaskView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := r.do(http.MethodGet, "/tasks/"+taskID, r.token, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var view models.TaskView
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
		if view.Status.IsTerminal() {
			return &view
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not settle", taskID)
	return nil
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	msg, _ := body["error"].(string)
	return msg
}

func TestIssueToken(t *testing.T) {
	r := newRig(t, testConfig(), false)

	t.Run("valid credentials", func(t *testing.T) {
		token := r.issueToken(t, "testuser", "password123")
		assert.NotEmpty(t, token)
	})

	t.Run("wrong password", func(t *testing.T) {
		form := url.Values{"username": {"testuser"}, "password": {"wrong"}}
		req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		r.server.Router().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid credentials", errorBody(t, rec))
	})

	t.Run("missing fields", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader("username=testuser"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		r.server.Router().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestSubmitInference_Lifecycle(t *testing.T) {
	r := newRig(t, testConfig(), true)

	taskID := r.submit(t, "hello batching world")
	view := r.waitTerminal(t, taskID)

	require.Equal(t, models.TaskStatusCompleted, view.Status)
	require.NotNil(t, view.Result)
	assert.Contains(t, view.Result.Response, "Mock response to: hello batching world")
	assert.Equal(t, models.SourceMock, view.Result.Source)
	assert.NotEmpty(t, view.Result.BatchID)
	require.NotNil(t, view.ProcessingTime)
	assert.GreaterOrEqual(t, *view.ProcessingTime, 0.0)
}

func TestSubmitInference_QueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.MaxDepth = 1
	r := newRig(t, cfg, false)

	r.submit(t, "fills the queue")

	rec := r.do(http.MethodPost, "/inference/async", r.token, models.InferenceRequest{Prompt: "rejected"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "queue full", errorBody(t, rec))
}

func TestSubmitBatch_GroupedIntoOneBatch(t *testing.T) {
	r := newRig(t, testConfig(), false)

	reqs := []models.InferenceRequest{
		{Prompt: "first"}, {Prompt: "second"}, {Prompt: "third"},
	}
	rec := r.do(http.MethodPost, "/inference/batch", r.token, reqs)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp models.BatchSubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 3, resp.Count)
	require.Len(t, resp.TaskIDs, 3)

	// All three are queued before the batcher starts, so the first drain
	// claims them together.
	r.service.Start()

	batchIDs := make(map[string]struct{})
	for _, id := range resp.TaskIDs {
		view := r.waitTerminal(t, id)
		require.Equal(t, models.TaskStatusCompleted, view.Status)
		require.NotNil(t, view.Result)
		assert.Equal(t, 3, view.Result.BatchSize)
		batchIDs[view.Result.BatchID] = struct{}{}
	}
	assert.Len(t, batchIDs, 1, "expected all tasks in the same batch")
}

func TestSubmitBatch_RejectedWhole(t *testing.T) {
	r := newRig(t, testConfig(), false)

	reqs := []models.InferenceRequest{
		{Prompt: "fine"},
		{Prompt: "broken", Priority: "urgent"},
	}
	rec := r.do(http.MethodPost, "/inference/batch", r.token, reqs)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Nothing was enqueued.
	list := r.do(http.MethodGet, "/tasks", r.token, nil)
	require.Equal(t, http.StatusOK, list.Code)
	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &body))
	assert.Equal(t, 0, body.Count)
}

func TestSubmitBatch_QueueFillsMidBatch(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.MaxDepth = 2
	r := newRig(t, cfg, false)

	reqs := []models.InferenceRequest{
		{Prompt: "one"}, {Prompt: "two"}, {Prompt: "three"},
	}
	rec := r.do(http.MethodPost, "/inference/batch", r.token, reqs)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var body struct {
		Error   string   `json:"error"`
		TaskIDs []string `json:"task_ids"`
		Count   int      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "queue full", body.Error)
	assert.Equal(t, 2, body.Count)
	assert.Len(t, body.TaskIDs, 2, "tasks accepted before the queue filled are reported")
}

func TestCancelTask(t *testing.T) {
	r := newRig(t, testConfig(), false)

	taskID := r.submit(t, "cancel me")

	rec := r.do(http.MethodDelete, "/inference/"+taskID, r.token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "cancelled", body["status"])
	assert.Equal(t, taskID, body["task_id"])

	// Terminal now, so a second cancel names the state it is stuck in.
	rec = r.do(http.MethodDelete, "/inference/"+taskID, r.token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorBody(t, rec), "cannot cancel task in status: failed")

	rec = r.do(http.MethodDelete, "/inference/no-such-task", r.token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskOwnership(t *testing.T) {
	r := newRig(t, testConfig(), false)
	require.NoError(t, r.service.Auth().AddUser("alice", "wonderland"))
	aliceToken := r.issueToken(t, "alice", "wonderland")

	taskID := r.submit(t, "belongs to testuser")

	rec := r.do(http.MethodGet, "/tasks/"+taskID, aliceToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "task not found", errorBody(t, rec))

	rec = r.do(http.MethodDelete, "/inference/"+taskID, aliceToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTasks(t *testing.T) {
	r := newRig(t, testConfig(), false)

	for i := 0; i < 3; i++ {
		r.submit(t, fmt.Sprintf("prompt %d", i))
	}

	t.Run("all", func(t *testing.T) {
		rec := r.do(http.MethodGet, "/tasks", r.token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Tasks []models.TaskView `json:"tasks"`
			Count int               `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, 3, body.Count)
		// Newest first.
		assert.Equal(t, "prompt 2", body.Tasks[0].Prompt)
	})

	t.Run("limited", func(t *testing.T) {
		rec := r.do(http.MethodGet, "/tasks?limit=2", r.token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Count int `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, 2, body.Count)
	})

	t.Run("invalid limit", func(t *testing.T) {
		for _, limit := range []string{"abc", "-1", "0"} {
			rec := r.do(http.MethodGet, "/tasks?limit="+limit, r.token, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", limit)
		}
	})
}

func TestPublicEndpoints(t *testing.T) {
	r := newRig(t, testConfig(), true)

	t.Run("health", func(t *testing.T) {
		rec := r.do(http.MethodGet, "/health", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, "mock", body["mode"])
		require.Contains(t, body, "batching")
	})

	t.Run("detailed health", func(t *testing.T) {
		rec := r.do(http.MethodGet, "/health/detailed", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		components, ok := body["components"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "healthy", components["gateway"])
		assert.Equal(t, "healthy", components["engine"])
		assert.Equal(t, "mock", body["engine_mode"])
	})

	t.Run("stats", func(t *testing.T) {
		rec := r.do(http.MethodGet, "/stats", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		for _, key := range []string{
			"total_requests", "total_batches", "total_completed",
			"total_failed", "average_batch_size", "largest_batch",
		} {
			assert.Contains(t, body, key)
		}
	})

	t.Run("prometheus metrics", func(t *testing.T) {
		rec := r.do(http.MethodGet, "/metrics", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "vllm_gateway_requests_total")
		assert.Contains(t, rec.Body.String(), "vllm_gateway_queue_depth")
	})
}

func TestQueueMetrics(t *testing.T) {
	r := newRig(t, testConfig(), false)

	for _, priority := range []string{"high", "normal", "low", "low"} {
		rec := r.do(http.MethodPost, "/inference/async", r.token,
			models.InferenceRequest{Prompt: "queued", Priority: priority})
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := r.do(http.MethodGet, "/metrics/queue", r.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var metrics models.QueueMetrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metrics))
	assert.Equal(t, 1, metrics.Queues["high"])
	assert.Equal(t, 1, metrics.Queues["normal"])
	assert.Equal(t, 2, metrics.Queues["low"])
	assert.Equal(t, 4, metrics.TotalQueued)
}

func TestAuthRequired(t *testing.T) {
	r := newRig(t, testConfig(), false)

	protected := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/inference/async"},
		{http.MethodPost, "/inference/batch"},
		{http.MethodDelete, "/inference/some-id"},
		{http.MethodGet, "/tasks"},
		{http.MethodGet, "/tasks/some-id"},
		{http.MethodGet, "/metrics/queue"},
		{http.MethodPost, "/v1/chat/completions"},
		{http.MethodPost, "/v1/completions"},
		{http.MethodGet, "/v1/models"},
	}

	for _, ep := range protected {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			rec := r.do(ep.method, ep.path, "", nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "invalid credentials", errorBody(t, rec))

			rec = r.do(ep.method, ep.path, "garbage-token", nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.ExpirationMinutes = 0
	r := newRig(t, cfg, false)

	// Issuance succeeds; the token is already expired on first use.
	rec := r.do(http.MethodGet, "/tasks", r.token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid credentials", errorBody(t, rec))
}
