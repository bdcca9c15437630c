package data

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/assetlens/portal/internal/migrate"
)

// RunMigrations applies pending user_access migrations and returns their versions.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) ([]string, error) {
	return migrate.Run(ctx, db, logger)
}
