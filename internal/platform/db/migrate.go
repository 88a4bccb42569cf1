package db

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Migrate applies every pending migration found in migrations.
func Migrate(ctx context.Context, dsn string, migrations fs.FS, logger *slog.Logger) error {
	sqlDB, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return fmt.Errorf("platform/db: open migrations db: %w", err)
	}
	defer func() { _ = sqlDB.Close() }()

	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, migrations)
	if err != nil {
		return fmt.Errorf("platform/db: migrations provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("platform/db: migrate up: %w", err)
	}
	if logger != nil {
		for _, r := range results {
			logger.Info("migration applied", slog.String("source", r.Source.Path), slog.Duration("took", r.Duration))
		}
	}
	return nil
}
