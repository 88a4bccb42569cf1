package shared

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestErrorCodeFollowsWrapping(t *testing.T) {
	require.Equal(t, CodeConflict, ErrorCode(fmt.Errorf("%w: duplicate batch", ErrConflict)))
	require.Equal(t, CodeNotFound, ErrorCode(fmt.Errorf("load: %w", fmt.Errorf("%w: plant", ErrNotFound))))
	require.Equal(t, CodeInternal, ErrorCode(fmt.Errorf("boom")))
	require.Equal(t, "", ErrorCode(nil))
}

func TestNormalizeAddress(t *testing.T) {
	require.Equal(t, "0xabcdef", NormalizeAddress("  0xABCdef "))

	addr, err := ValidateAddress("0xD6B231A6605490E83863D3B71c1C01e4E5B1212D")
	require.NoError(t, err)
	require.Equal(t, "0xd6b231a6605490e83863d3b71c1c01e4e5b1212d", addr)

	_, err = ValidateAddress("0xnothex")
	require.ErrorIs(t, err, ErrValidation)

	_, err = RequireAddress("self", "   ")
	require.ErrorIs(t, err, ErrValidation)
}

func TestPartnerPairLockKeyIsDirectionless(t *testing.T) {
	require.Equal(t, PartnerPairLockKey("0xaa", "0xbb"), PartnerPairLockKey("0xbb", "0xaa"))
}

func TestRedisLockerSerialisesKey(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewRedisLocker(client, 0)
	ctx := context.Background()
	key := BatchMintLockKey("b-1")

	release, err := locker.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, key, time.Minute)
	require.ErrorIs(t, err, ErrLockBusy)
	require.ErrorIs(t, err, ErrConflict)

	release()
	release2, err := locker.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	release2()
}

func TestRedisLockerReleaseKeepsForeignToken(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewRedisLocker(client, 0)
	ctx := context.Background()
	release, err := locker.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	// lock expired and was taken by someone else
	mr.FastForward(2 * time.Second)
	require.NoError(t, client.Set(ctx, "k", "other", 0).Err())

	release()
	val, err := client.Get(ctx, "k").Result()
	require.NoError(t, err)
	require.Equal(t, "other", val)
}

func TestPaginationClampsAndCounts(t *testing.T) {
	p := NewPagination(0, 0, 45)
	require.Equal(t, 1, p.Page)
	require.Equal(t, 20, p.PerPage)
	require.Equal(t, 3, p.TotalPages)
	require.True(t, p.HasNext)
	require.Equal(t, 0, p.Offset())

	p = NewPagination(3, 500, 250)
	require.Equal(t, MaxPerPage, p.PerPage)
	require.Equal(t, 3, p.TotalPages)
	require.False(t, p.HasNext)
	require.Equal(t, 200, p.Offset())

	require.Equal(t, 0, NewPagination(1, 10, 0).TotalPages)
}
