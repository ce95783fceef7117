package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.API.ListenAddress)
	assert.Equal(t, 32, cfg.Batching.MaxBatchSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Batching.BatchWait())
	assert.Equal(t, 4, cfg.Batching.MaxConcurrentBatches)
	assert.False(t, cfg.Engine.UseReal)
	assert.True(t, cfg.Engine.FallbackToMock)
	assert.Equal(t, 60*time.Second, cfg.Engine.RequestTimeout())
	assert.Equal(t, 30, cfg.Auth.ExpirationMinutes)
	assert.Equal(t, "HS256", cfg.Auth.JWTAlgorithm)
	assert.Equal(t, 10000, cfg.Queue.MaxDepth)
	assert.Equal(t, "memory", cfg.TaskStore.Backend)
	assert.Equal(t, time.Hour, cfg.TaskStore.Retention())
	assert.Equal(t, 100000, cfg.TaskStore.MaxRetained)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("VLLM_MAX_BATCH_SIZE", "8")
	t.Setenv("VLLM_BATCH_WAIT_TIMEOUT", "0.25")
	t.Setenv("VLLM_MAX_CONCURRENT_BATCHES", "2")
	t.Setenv("USE_REAL_VLLM", "true")
	t.Setenv("REAL_VLLM_URL", "http://vllm:8000")
	t.Setenv("REAL_VLLM_MODEL", "my-model")
	t.Setenv("JWT_SECRET_KEY", "s3cret")
	t.Setenv("JWT_EXPIRATION_MINUTES", "5")
	t.Setenv("QUEUE_MAX_DEPTH", "3")
	t.Setenv("TASK_RETENTION_SECONDS", "120")
	t.Setenv("TASK_MAX_RETAINED", "50")
	t.Setenv("TASK_STORE", "redis")
	t.Setenv("REDIS_URL", "redis://cache:6379/1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Batching.MaxBatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Batching.BatchWait())
	assert.Equal(t, 2, cfg.Batching.MaxConcurrentBatches)
	assert.True(t, cfg.Engine.UseReal)
	assert.Equal(t, "http://vllm:8000", cfg.Engine.URL)
	assert.Equal(t, "my-model", cfg.Engine.Model)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, 5, cfg.Auth.ExpirationMinutes)
	assert.Equal(t, 3, cfg.Queue.MaxDepth)
	assert.Equal(t, 2*time.Minute, cfg.TaskStore.Retention())
	assert.Equal(t, 50, cfg.TaskStore.MaxRetained)
	assert.Equal(t, "redis", cfg.TaskStore.Backend)
	assert.Equal(t, "redis://cache:6379/1", cfg.TaskStore.RedisURL)
	assert.NoError(t, cfg.Validate())
}

func TestValidate_Failures(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.Batching.MaxBatchSize = 0 }},
		{"negative wait", func(c *Config) { c.Batching.BatchWaitSeconds = -1 }},
		{"zero concurrency", func(c *Config) { c.Batching.MaxConcurrentBatches = 0 }},
		{"empty secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"unsupported algorithm", func(c *Config) { c.Auth.JWTAlgorithm = "RS256" }},
		{"zero queue depth", func(c *Config) { c.Queue.MaxDepth = 0 }},
		{"zero retention", func(c *Config) { c.TaskStore.RetentionSeconds = 0 }},
		{"zero cap", func(c *Config) { c.TaskStore.MaxRetained = 0 }},
		{"unknown store backend", func(c *Config) { c.TaskStore.Backend = "dynamo" }},
		{"real without url", func(c *Config) { c.Engine.UseReal = true; c.Engine.URL = "" }},
		{"zero request timeout", func(c *Config) { c.Engine.RequestTimeoutSeconds = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestCORSOriginsList(t *testing.T) {
	assert.Equal(t, []string{"*"}, APIConfig{CORSOrigins: "*"}.CORSOriginsList())
	assert.Equal(t, []string{"*"}, APIConfig{}.CORSOriginsList())
	assert.Equal(t,
		[]string{"http://a.example", "http://b.example"},
		APIConfig{CORSOrigins: "http://a.example, http://b.example"}.CORSOriginsList())
}

func TestValidate_ExpiredAtIssuanceAllowed(t *testing.T) {
	// JWT_EXPIRATION_MINUTES=0 is a legal configuration used to exercise
	// token expiry; it must pass validation.
	cfg, err := Load()
	require.NoError(t, err)
	cfg.Auth.ExpirationMinutes = 0
	assert.NoError(t, cfg.Validate())
}
