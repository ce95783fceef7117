// Command server runs the vLLM gateway: an authenticated HTTP front end
// over a priority queue, a batch-formation loop, and a bounded concurrent
// dispatcher against a mock or real engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"

	"github.com/S-Corkum/vllm-gateway/internal/api"
	"github.com/S-Corkum/vllm-gateway/internal/config"
	"github.com/S-Corkum/vllm-gateway/internal/core"
	"github.com/S-Corkum/vllm-gateway/internal/observability"

	// PostgreSQL driver for the optional credential store
	_ "github.com/lib/pq"
)

// Exit codes are part of the deployment contract.
const (
	exitOK          = 0
	exitConfigError = 1
	exitBindError   = 2
)

const shutdownGrace = 30 * time.Second

func main() {
	os.Exit(run())
}

// run carries the process end-to-end so deferred cleanups execute before
// the exit code is surfaced.
func run() int {
	// A missing .env is fine; the environment is the primary contract.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfigError
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfigError
	}

	logger := observability.NewStandardLoggerWithLevel("server", observability.ParseLevel(cfg.Logging.Level))

	tracingCleanup, err := observability.InitTracing(cfg.Tracing)
	if err != nil {
		logger.Warn("Tracing disabled", map[string]interface{}{"error": err.Error()})
	}
	if tracingCleanup != nil {
		defer tracingCleanup()
	}

	// Binding happens before anything is started so a busy port fails fast
	// with its own exit code and nothing to unwind.
	listener, err := net.Listen("tcp", cfg.API.ListenAddress)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bind %s: %v\n", cfg.API.ListenAddress, err)
		return exitBindError
	}
	defer func() { _ = listener.Close() }()

	db, err := openCredentialStore(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfigError
	}
	if db != nil {
		defer func() { _ = db.Close() }()
	}

	service, err := core.NewService(cfg, db, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfigError
	}
	service.Start()

	server, err := api.NewServer(cfg, service, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfigError
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()

	logger.Info("Gateway started", map[string]interface{}{
		"address":       listener.Addr().String(),
		"engine_mode":   service.EngineMode(),
		"store_backend": cfg.TaskStore.Backend,
		"swagger":       cfg.API.EnableSwagger,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", map[string]interface{}{"signal": sig.String()})
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", map[string]interface{}{"error": err.Error()})
			return exitConfigError
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	// Stop accepting requests first, then let the scheduler settle what is
	// in flight and fail what never ran.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", map[string]interface{}{"error": err.Error()})
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown grace exceeded", map[string]interface{}{"error": err.Error()})
	}

	logger.Info("Gateway stopped", nil)
	return exitOK
}

// openCredentialStore connects to the credential database when configured.
// Without DATABASE_URL the auth service runs on its in-memory users.
func openCredentialStore(cfg *config.Config, logger observability.Logger) (*sqlx.DB, error) {
	if cfg.Auth.DatabaseURL == "" {
		return nil, nil
	}

	db, err := sqlx.Connect("postgres", cfg.Auth.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("credential database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	logger.Info("Credential database connected", nil)
	return db, nil
}
