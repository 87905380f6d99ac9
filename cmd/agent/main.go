package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/martinbuergi/summit-portal-claude/internal/app"
	"github.com/martinbuergi/summit-portal-claude/internal/config"
	"github.com/martinbuergi/summit-portal-claude/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log := logger.New("summit-agent", cfg.LogLevel)
	log.Info("starting portal agent",
		slog.String("environment", cfg.Environment),
		slog.String("addr", cfg.ListenAddr()),
		slog.String("api_base_url", cfg.APIBaseURL),
	)

	application, err := app.NewApp(cfg, log)
	if err != nil {
		log.Error("failed to initialize agent", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Canceled on SIGINT or SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := application.Run(ctx); err != nil {
		log.Error("agent error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log.Info("portal agent stopped")
}
