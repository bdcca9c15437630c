package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/assetlens/portal/config"
	"github.com/assetlens/portal/internal/bootstrap"
)

func main() {
	ctx := context.Background()
	logger := bootstrap.InitLogger(slog.LevelInfo)
	if err := run(ctx, logger); err != nil {
		logger.ErrorContext(ctx, "fatal error", "error", err)
		os.Exit(1) //nolint:forbidigo // Main entrypoint should exit with non-zero status on fatal errors.
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}
	if err = cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Re-create the logger once the configured level is known.
	logger = bootstrap.InitLogger(cfg.Observability.SlogLevel())
	logStartupInfo(ctx, logger, &cfg)

	return bootstrap.Run(ctx, &cfg, logger)
}

func logStartupInfo(ctx context.Context, logger *slog.Logger, cfg *config.AppConfig) {
	logger.InfoContext(ctx, "starting portal",
		"addr", cfg.HTTP.Addr,
		"auth_mode", cfg.Auth.Mode,
		"db_enabled", cfg.Postgres.Enabled,
		"redis_enabled", cfg.Redis.Enabled,
		"federation_enabled", cfg.Federation.Enabled,
		"rate_limit_enabled", cfg.RateLimit.Enabled,
		"upstream", cfg.HTTP.UpstreamURL,
		"dev", cfg.IsDev)
}
