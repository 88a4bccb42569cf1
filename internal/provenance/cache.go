package provenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carbontrack/carbontrack/internal/batches"
)

const cacheVersionKey = "carbontrack:provenance:version"

// Cache stores built trees in redis under versioned keys. Bumping the version
// retires every stored tree at once.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCache instantiates the cache. A nil client disables caching.
func NewCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{client: client, ttl: ttl, logger: logger}
}

// Version returns the current cache version, initialising when missing.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, cacheVersionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// BuildKey composes the cache key with the current version.
func (c *Cache) BuildKey(ctx context.Context, parts ...string) (string, error) {
	joined := strings.Join(append([]string{"carbontrack", "provenance"}, parts...), ":")
	if c == nil || c.client == nil {
		return joined, nil
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:v%d", joined, ver), nil
}

// FetchJSON loads a cached value into dest or populates it using loader.
// Loader errors are returned and never cached. Redis errors only cost the
// cache hit.
func (c *Cache) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return errors.New("provenance cache: loader required")
	}
	if c != nil && c.client != nil {
		payload, err := c.client.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			return json.Unmarshal(payload, dest)
		case !errors.Is(err, redis.Nil):
			c.logger.Warn("provenance cache read failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if c != nil && c.client != nil {
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			c.logger.Warn("provenance cache write failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	return json.Unmarshal(raw, dest)
}

// Bump invalidates every cached tree.
func (c *Cache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, cacheVersionKey).Err()
}

// BatchChanged implements batches.ChangeListener.
func (c *Cache) BatchChanged(ctx context.Context, b batches.Batch) {
	if c == nil {
		return
	}
	if err := c.Bump(ctx); err != nil {
		c.logger.Warn("provenance cache bump failed", slog.String("batch_id", b.ID), slog.Any("error", err))
	}
}

// CatalogChanged implements catalog.ChangeListener. Trees embed template and
// plant attributes, so every catalog edit retires them.
func (c *Cache) CatalogChanged(ctx context.Context) {
	if c == nil {
		return
	}
	if err := c.Bump(ctx); err != nil {
		c.logger.Warn("provenance cache bump failed", slog.String("cause", "catalog"), slog.Any("error", err))
	}
}
