// Package config loads gateway configuration from defaults, an optional
// YAML file, and the environment. The environment keys follow the
// deployment contract (VLLM_*, JWT_*, QUEUE_*, TASK_*); each is bound
// explicitly rather than derived from a prefix.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/S-Corkum/vllm-gateway/internal/observability"
)

// APIConfig holds HTTP server settings
type APIConfig struct {
	ListenAddress   string        `mapstructure:"listen_address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	EnableCORS      bool          `mapstructure:"enable_cors"`
	CORSOrigins     string        `mapstructure:"cors_origins"`
	EnableSwagger   bool          `mapstructure:"enable_swagger"`
	MaxPromptLength int           `mapstructure:"max_prompt_length"`
	MaxBatchSubmit  int           `mapstructure:"max_batch_submit"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig holds per-client rate limiting settings
type RateLimitConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Limit      float64       `mapstructure:"limit"`
	Burst      int           `mapstructure:"burst"`
	Expiration time.Duration `mapstructure:"expiration"`
}

// AuthConfig holds token signing and credential store settings
type AuthConfig struct {
	JWTSecret         string `mapstructure:"jwt_secret"`
	JWTAlgorithm      string `mapstructure:"jwt_algorithm"`
	ExpirationMinutes int    `mapstructure:"expiration_minutes"`
	SeedUsers         bool   `mapstructure:"seed_users"`
	DatabaseURL       string `mapstructure:"database_url"`
}

// BatchingConfig holds the batch formation and dispatch parameters
type BatchingConfig struct {
	MaxBatchSize         int     `mapstructure:"max_batch_size"`
	BatchWaitSeconds     float64 `mapstructure:"batch_wait_timeout"`
	MaxConcurrentBatches int     `mapstructure:"max_concurrent_batches"`
}

// BatchWait returns the batch grow window as a duration
func (c BatchingConfig) BatchWait() time.Duration {
	return time.Duration(c.BatchWaitSeconds * float64(time.Second))
}

// EngineConfig selects and tunes the engine adapter
type EngineConfig struct {
	UseReal               bool    `mapstructure:"use_real"`
	URL                   string  `mapstructure:"url"`
	Model                 string  `mapstructure:"model"`
	RequestTimeoutSeconds int     `mapstructure:"request_timeout"`
	FallbackToMock        bool    `mapstructure:"fallback_to_mock"`
	MockBaseLatencyMS     int     `mapstructure:"mock_base_latency_ms"`
	MockPerItemLatencyMS  int     `mapstructure:"mock_per_item_latency_ms"`
}

// RequestTimeout returns the per-call upstream timeout as a duration
func (c EngineConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// QueueConfig holds priority queue settings
type QueueConfig struct {
	MaxDepth int `mapstructure:"max_depth"`
}

// TaskStoreConfig holds task retention settings
type TaskStoreConfig struct {
	Backend          string `mapstructure:"backend"`
	RedisURL         string `mapstructure:"redis_url"`
	RetentionSeconds int    `mapstructure:"retention_seconds"`
	MaxRetained      int    `mapstructure:"max_retained"`
}

// Retention returns the task TTL as a duration
func (c TaskStoreConfig) Retention() time.Duration {
	return time.Duration(c.RetentionSeconds) * time.Second
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Config holds the complete gateway configuration
type Config struct {
	API       APIConfig                   `mapstructure:"api"`
	Auth      AuthConfig                  `mapstructure:"auth"`
	Batching  BatchingConfig              `mapstructure:"batching"`
	Engine    EngineConfig                `mapstructure:"engine"`
	Queue     QueueConfig                 `mapstructure:"queue"`
	TaskStore TaskStoreConfig             `mapstructure:"task_store"`
	Logging   LoggingConfig               `mapstructure:"logging"`
	Tracing   observability.TracingConfig `mapstructure:"tracing"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)
	bindEnvs(v)

	configFile := os.Getenv("GATEWAY_CONFIG_FILE")
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// Validate checks the configuration invariants that must hold before the
// service can start. A violation is a fatal startup error.
func (c *Config) Validate() error {
	if c.Batching.MaxBatchSize < 1 {
		return fmt.Errorf("VLLM_MAX_BATCH_SIZE must be >= 1, got %d", c.Batching.MaxBatchSize)
	}
	if c.Batching.BatchWaitSeconds < 0 {
		return fmt.Errorf("VLLM_BATCH_WAIT_TIMEOUT must be >= 0, got %f", c.Batching.BatchWaitSeconds)
	}
	if c.Batching.MaxConcurrentBatches < 1 {
		return fmt.Errorf("VLLM_MAX_CONCURRENT_BATCHES must be >= 1, got %d", c.Batching.MaxConcurrentBatches)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET_KEY must not be empty")
	}
	if !strings.EqualFold(c.Auth.JWTAlgorithm, "HS256") {
		return fmt.Errorf("JWT_ALGORITHM %q is not supported, only HS256", c.Auth.JWTAlgorithm)
	}
	if c.Auth.ExpirationMinutes < 0 {
		return fmt.Errorf("JWT_EXPIRATION_MINUTES must be >= 0, got %d", c.Auth.ExpirationMinutes)
	}
	if c.Queue.MaxDepth < 1 {
		return fmt.Errorf("QUEUE_MAX_DEPTH must be >= 1, got %d", c.Queue.MaxDepth)
	}
	if c.TaskStore.RetentionSeconds < 1 {
		return fmt.Errorf("TASK_RETENTION_SECONDS must be >= 1, got %d", c.TaskStore.RetentionSeconds)
	}
	if c.TaskStore.MaxRetained < 1 {
		return fmt.Errorf("TASK_MAX_RETAINED must be >= 1, got %d", c.TaskStore.MaxRetained)
	}
	switch c.TaskStore.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("TASK_STORE must be memory or redis, got %q", c.TaskStore.Backend)
	}
	if c.Engine.UseReal && c.Engine.URL == "" {
		return fmt.Errorf("REAL_VLLM_URL must be set when USE_REAL_VLLM is true")
	}
	if c.Engine.RequestTimeoutSeconds < 1 {
		return fmt.Errorf("VLLM_REQUEST_TIMEOUT must be >= 1, got %d", c.Engine.RequestTimeoutSeconds)
	}
	if c.API.MaxBatchSubmit < 1 {
		return fmt.Errorf("api.max_batch_submit must be >= 1, got %d", c.API.MaxBatchSubmit)
	}
	return nil
}

// CORSOriginsList splits the configured origins string
func (c APIConfig) CORSOriginsList() []string {
	if c.CORSOrigins == "" || c.CORSOrigins == "*" {
		return []string{"*"}
	}
	parts := strings.Split(c.CORSOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// API defaults
	v.SetDefault("api.listen_address", ":8000")
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.write_timeout", 120*time.Second)
	v.SetDefault("api.idle_timeout", 90*time.Second)
	v.SetDefault("api.enable_cors", true)
	v.SetDefault("api.cors_origins", "*")
	v.SetDefault("api.enable_swagger", true)
	v.SetDefault("api.max_prompt_length", 8192)
	v.SetDefault("api.max_batch_submit", 100)

	// Rate limiting defaults
	v.SetDefault("api.rate_limit.enabled", false)
	v.SetDefault("api.rate_limit.limit", 100)
	v.SetDefault("api.rate_limit.burst", 150)
	v.SetDefault("api.rate_limit.expiration", 1*time.Hour)

	// Auth defaults
	v.SetDefault("auth.jwt_secret", "change-this-to-a-random-secret-key")
	v.SetDefault("auth.jwt_algorithm", "HS256")
	v.SetDefault("auth.expiration_minutes", 30)
	v.SetDefault("auth.seed_users", true)
	v.SetDefault("auth.database_url", "")

	// Batching defaults
	v.SetDefault("batching.max_batch_size", 32)
	v.SetDefault("batching.batch_wait_timeout", 0.1)
	v.SetDefault("batching.max_concurrent_batches", 4)

	// Engine defaults
	v.SetDefault("engine.use_real", false)
	v.SetDefault("engine.url", "http://localhost:8000")
	v.SetDefault("engine.model", "Qwen/Qwen2.5-Coder-7B-Instruct")
	v.SetDefault("engine.request_timeout", 60)
	v.SetDefault("engine.fallback_to_mock", true)
	v.SetDefault("engine.mock_base_latency_ms", 500)
	v.SetDefault("engine.mock_per_item_latency_ms", 50)

	// Queue defaults
	v.SetDefault("queue.max_depth", 10000)

	// Task store defaults
	v.SetDefault("task_store.backend", "memory")
	v.SetDefault("task_store.redis_url", "redis://localhost:6379/0")
	v.SetDefault("task_store.retention_seconds", 3600)
	v.SetDefault("task_store.max_retained", 100000)

	// Logging defaults
	v.SetDefault("logging.level", "info")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "vllm-gateway")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.endpoint", "localhost:4317")
}

// bindEnvs binds the deployment environment keys to their config paths
func bindEnvs(v *viper.Viper) {
	_ = v.BindEnv("api.listen_address", "LISTEN_ADDRESS")
	_ = v.BindEnv("api.cors_origins", "CORS_ORIGINS")
	_ = v.BindEnv("api.max_prompt_length", "MAX_PROMPT_LENGTH")

	_ = v.BindEnv("auth.jwt_secret", "JWT_SECRET_KEY")
	_ = v.BindEnv("auth.jwt_algorithm", "JWT_ALGORITHM")
	_ = v.BindEnv("auth.expiration_minutes", "JWT_EXPIRATION_MINUTES")
	_ = v.BindEnv("auth.seed_users", "AUTH_SEED_USERS")
	_ = v.BindEnv("auth.database_url", "DATABASE_URL")

	_ = v.BindEnv("batching.max_batch_size", "VLLM_MAX_BATCH_SIZE")
	_ = v.BindEnv("batching.batch_wait_timeout", "VLLM_BATCH_WAIT_TIMEOUT")
	_ = v.BindEnv("batching.max_concurrent_batches", "VLLM_MAX_CONCURRENT_BATCHES")

	_ = v.BindEnv("engine.use_real", "USE_REAL_VLLM")
	_ = v.BindEnv("engine.url", "REAL_VLLM_URL")
	_ = v.BindEnv("engine.model", "REAL_VLLM_MODEL")
	_ = v.BindEnv("engine.request_timeout", "VLLM_REQUEST_TIMEOUT")
	_ = v.BindEnv("engine.fallback_to_mock", "VLLM_FALLBACK_TO_MOCK")

	_ = v.BindEnv("queue.max_depth", "QUEUE_MAX_DEPTH")

	_ = v.BindEnv("task_store.backend", "TASK_STORE")
	_ = v.BindEnv("task_store.redis_url", "REDIS_URL")
	_ = v.BindEnv("task_store.retention_seconds", "TASK_RETENTION_SECONDS")
	_ = v.BindEnv("task_store.max_retained", "TASK_MAX_RETAINED")

	_ = v.BindEnv("logging.level", "LOG_LEVEL")

	_ = v.BindEnv("tracing.enabled", "TRACING_ENABLED")
	_ = v.BindEnv("tracing.endpoint", "TRACING_ENDPOINT")
}
