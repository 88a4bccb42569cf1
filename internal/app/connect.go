package app

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/carbontrack/carbontrack/internal/platform/cache"
	"github.com/carbontrack/carbontrack/internal/platform/db"
)

// Connect opens the PostgreSQL pool and the redis client.
func Connect(ctx context.Context, cfg *Config) (*pgxpool.Pool, *redis.Client, error) {
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
	if err != nil {
		return nil, nil, err
	}
	client, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pool, client, nil
}

// RedisOpts returns the asynq connection settings.
func (c *Config) RedisOpts() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}
}
