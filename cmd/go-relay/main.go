package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/a-essam23/go-relay/internal/server"
	"github.com/a-essam23/go-relay/pkg/auth"
	"github.com/a-essam23/go-relay/pkg/config"
	"github.com/a-essam23/go-relay/pkg/logging"
	"github.com/a-essam23/go-relay/pkg/store/sqlitestore"
)

func main() {
	bootLogger := logging.New(logging.LevelInfo)

	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	st, err := sqlitestore.Open(cfg.Storage.Path)
	if err != nil {
		logger.Error("Failed to open durable store", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("Durable store opened", slog.String("path", cfg.Storage.Path))

	validator := auth.NewJWTValidator(cfg.Server.Auth.JWTSecret)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app := server.NewApp(logger, ctx, cfg, st, validator)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
