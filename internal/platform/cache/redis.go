package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options identifies the redis instance shared by locks, tree cache and asynq.
type Options struct {
	Addr     string
	Password string
	DB       int
	// ClientName is reported by CLIENT LIST; defaults to "carbontrack".
	ClientName string
}

// New connects to redis and pings it. Locks and the tree cache fail fast,
// so command timeouts are kept short.
func New(ctx context.Context, opts Options) (*redis.Client, error) {
	name := opts.ClientName
	if name == "" {
		name = "carbontrack"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		ClientName:   name,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("platform/cache: ping %s: %w", opts.Addr, err)
	}
	return client, nil
}
