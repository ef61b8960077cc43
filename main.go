package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/room4-2/converse-relay/agent"
	"github.com/room4-2/converse-relay/config"
	"github.com/room4-2/converse-relay/functions"
	"github.com/room4-2/converse-relay/server"
	"github.com/room4-2/converse-relay/session"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := agent.NewBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create llm backend", "error", err)
		os.Exit(1)
	}
	logger.Info("llm backend ready", "backend", backend.Name(), "model", cfg.LLMModel)

	executor := functions.NewExecutor(logger, functions.DefaultTools()...)
	newRunner := agent.RunnerFactory(cfg, backend, executor, session.DefaultInstructions)

	// Create session manager
	sessionManager, err := session.NewManager(cfg, newRunner, logger)
	if err != nil {
		logger.Error("failed to create session manager", "error", err)
		os.Exit(1)
	}

	// Start cleanup routine
	go sessionManager.StartCleanupRoutine(ctx)

	srv := server.New(cfg, sessionManager, logger)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
		sessionManager.Shutdown()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.Start(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

func setupLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
