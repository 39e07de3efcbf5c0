package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowforge/rtes/internal/api"
	"github.com/flowforge/rtes/internal/config"
	"github.com/flowforge/rtes/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := parseLogLevel(cfg.Log.Level)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if cfg.Server.Env == "production" {
		if err := config.ValidateForProduction(cfg); err != nil {
			slog.Error("production configuration validation failed", "error", err)
			os.Exit(1)
		}
	}

	tracingCleanup, err := tracing.InitGlobalTracer(context.Background(), &cfg.Observability)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer tracingCleanup()

	if cfg.Observability.TracingEnabled {
		slog.Info("distributed tracing enabled",
			"endpoint", cfg.Observability.TracingEndpoint,
			"service_name", cfg.Observability.TracingServiceName,
			"sample_rate", cfg.Observability.TracingSampleRate,
		)
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	app, err := api.NewApp(startupCtx, cfg, logger)
	cancelStartup()
	if err != nil {
		slog.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      app.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("starting rtes server", "address", cfg.Server.Address)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := app.Close(ctx); err != nil {
		slog.Error("error releasing application resources", "error", err)
	}

	slog.Info("server stopped")
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
