package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duckmesh/querygraph/internal/api"
	"github.com/duckmesh/querygraph/internal/app"
	"github.com/duckmesh/querygraph/internal/auth"
	"github.com/duckmesh/querygraph/internal/config"
	"github.com/duckmesh/querygraph/internal/observability"
)

func main() {
	cfg, err := config.LoadFromEnv("querygraph-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize workflow", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = components.Close() }()
	logger.Info("workflow ready",
		slog.String("provider", components.Oracle.Name()),
		slog.String("model", components.Oracle.Model()),
		slog.String("topology", string(components.Workflow.Topology())),
	)

	deps := api.Dependencies{
		Logger:            logger,
		Workflow:          components.Workflow,
		Schema:            components.Gateway,
		Readiness:         api.CheckDatabase(components.Gateway),
		DependencyTimeout: time.Second,
		RunTimeout:        cfg.HTTP.WriteTimeout,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		if validator.Len() == 0 {
			logger.Warn("auth required but no static keys configured")
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
