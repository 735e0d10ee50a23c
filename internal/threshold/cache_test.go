package threshold

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/autopilot/internal/model"
)

func TestEncodeDecodeCached(t *testing.T) {
	th := platformRow(true)
	th.MaxUndoRate = f64(0.05)

	data, err := encodeCached(&th)
	require.NoError(t, err)
	got, err := decodeCached(data)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, th, *got)

	data, err = encodeCached(nil)
	require.NoError(t, err)
	got, err = decodeCached(data)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = decodeCached([]byte("{"))
	require.Error(t, err)
}

func TestRedisCache_Keys(t *testing.T) {
	c := NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), "", 0)
	defer c.Close() //nolint:errcheck

	assert.Equal(t, "autopilot:threshold:X:suggest:approve:acme", c.cacheKey("acme", promoteKey))
	assert.Equal(t, 5*time.Minute, c.ttl)
}

func unreachableCache() *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	return NewRedisCacheWithClient(client, "test", time.Minute)
}

func TestRedisCache_Unreachable(t *testing.T) {
	c := unreachableCache()
	defer c.Close() //nolint:errcheck
	ctx := context.Background()

	_, found, err := c.Get(ctx, "acme", promoteKey)
	require.Error(t, err)
	assert.False(t, found)

	require.Error(t, c.Set(ctx, "acme", promoteKey, nil))
	require.Error(t, c.Invalidate(ctx, promoteKey))
}

func TestResolve_UnreachableRedisFallsBackToStore(t *testing.T) {
	cache := unreachableCache()
	defer cache.Close() //nolint:errcheck
	r, mock := newMockResolver(t, cache)

	rows := mockRowsWith(platformRow(true))
	expectCandidates(mock, "acme").WillReturnRows(rows)

	got, err := r.Resolve(context.Background(), "acme", "X", model.TierSuggest, model.TierApprove)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "p1", got.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRedisCache_ConnectError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := NewRedisCache(ctx, RedisConfig{Addr: "127.0.0.1:1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect redis")
}
