//go:build integration

// Package dbtest starts a disposable PostgreSQL with the CarbonTrack schema.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/carbontrack/carbontrack/internal/platform/db"
	"github.com/carbontrack/carbontrack/migrations"
)

const image = "postgres:16-alpine"

// Start runs a postgres container, applies every migration and returns a
// pool. The container is terminated when the test ends.
func Start(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := postgres.Run(ctx, image,
		postgres.WithDatabase("carbontrack"),
		postgres.WithUsername("carbontrack"),
		postgres.WithPassword("carbontrack"),
		postgres.BasicWaitStrategies(),
	)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx, dsn, migrations.FS, nil))

	pool, err := db.New(ctx, dsn, db.Options{MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}
