package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockBusy is returned when another worker holds the key.
var ErrLockBusy = fmt.Errorf("%w: operation already in progress", ErrConflict)

// BatchMintLockKey builds redis keys guarding mint and reconcile of one batch.
func BatchMintLockKey(batchID string) string {
	return fmt.Sprintf("carbontrack:batch:%s:mint", batchID)
}

// PartnerPairLockKey builds a key independent of the proposal direction.
func PartnerPairLockKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("carbontrack:partners:%s:%s", a, b)
}

// Locker serialises work on a key across processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker implements Locker with SET NX PX and a token-checked release.
type RedisLocker struct {
	client *redis.Client
	retry  time.Duration
}

// NewRedisLocker constructs a locker. retry is the wait between attempts; zero disables waiting.
func NewRedisLocker(client *redis.Client, retry time.Duration) *RedisLocker {
	return &RedisLocker{client: client, retry: retry}
}

// Acquire takes key for ttl. It keeps retrying until ctx is done when a retry
// interval is configured, otherwise it fails fast with ErrLockBusy.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if l == nil || l.client == nil {
		return nil, errors.New("locker not initialised")
	}
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			release := func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
			}
			return release, nil
		}
		if l.retry <= 0 {
			return nil, ErrLockBusy
		}
		select {
		case <-ctx.Done():
			return nil, ErrLockBusy
		case <-time.After(l.retry):
		}
	}
}
