// Package api exposes the gateway over HTTP: token issuance, task
// submission and inspection, health, stats, and the OpenAI-compatible
// passthrough endpoints.
package api

import (
	"context"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/S-Corkum/vllm-gateway/internal/config"
	"github.com/S-Corkum/vllm-gateway/internal/core"
	"github.com/S-Corkum/vllm-gateway/internal/observability"
)

// Server is the gateway's HTTP front end.
type Server struct {
	router    *gin.Engine
	server    *http.Server
	service   *core.Service
	config    config.APIConfig
	logger    observability.Logger
	validator *requestValidator
}

// NewServer builds the router, middleware chain and routes.
func NewServer(cfg *config.Config, service *core.Service, logger observability.Logger) (*Server, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	validator, err := newRequestValidator(cfg.API.MaxPromptLength, cfg.API.MaxBatchSubmit)
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(logger))
	router.Use(TracingMiddleware())

	if cfg.API.EnableCORS {
		router.Use(CORSMiddleware(cfg.API.CORSOriginsList()))
	}
	if cfg.API.RateLimit.Enabled {
		router.Use(RateLimiter(cfg.API.RateLimit))
	}

	server := &Server{
		router:    router,
		service:   service,
		config:    cfg.API,
		logger:    logger,
		validator: validator,
		server: &http.Server{
			Addr:         cfg.API.ListenAddress,
			Handler:      router,
			ReadTimeout:  cfg.API.ReadTimeout,
			WriteTimeout: cfg.API.WriteTimeout,
			IdleTimeout:  cfg.API.IdleTimeout,
		},
	}

	server.setupRoutes()
	return server, nil
}

// setupRoutes registers all gateway routes.
func (s *Server) setupRoutes() {
	// Public endpoints
	s.router.POST("/token", s.issueToken)
	s.router.GET("/health", s.health)
	s.router.GET("/health/detailed", s.detailedHealth)
	s.router.GET("/stats", s.stats)
	s.router.GET("/metrics", gin.WrapH(s.service.Collector().Handler()))

	// Swagger API documentation
	if s.config.EnableSwagger {
		s.router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	authed := s.router.Group("/", s.service.Auth().GinMiddleware())
	authed.POST("/inference/async", s.submitInference)
	authed.POST("/inference/batch", s.submitBatch)
	authed.DELETE("/inference/:task_id", s.cancelTask)
	authed.GET("/tasks/:task_id", s.getTask)
	authed.GET("/tasks", s.listTasks)
	authed.GET("/metrics/queue", s.queueMetrics)

	// OpenAI-compatible surface
	v1 := s.router.Group("/v1", s.service.Auth().GinMiddleware())
	v1.POST("/chat/completions", s.chatCompletions)
	v1.POST("/completions", s.completions)
	v1.GET("/models", s.listModels)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Serve runs the HTTP server on an already-bound listener. Binding is left
// to the caller so a busy port surfaces before startup is reported healthy.
func (s *Server) Serve(listener net.Listener) error {
	return s.server.Serve(listener)
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
