package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ebrovalley/learngate/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	c, err := cache.NewRedisCache("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestSetGetDelete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))

	val, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), val)

	require.NoError(t, c.Delete(ctx, "k"))
	_, found, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestIncrWithExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	key := cache.RateLimitKey("203.0.113.1", 12345)

	for want := int64(1); want <= 3; want++ {
		got, err := c.IncrWithExpiry(ctx, key, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	ttl := mr.TTL(key)
	assert.Greater(t, ttl, time.Duration(0))

	// The counter evaporates with its TTL.
	mr.FastForward(2 * time.Minute)
	got, err := c.IncrWithExpiry(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestRecordSecurityEvent(t *testing.T) {
	c, mr := newTestCache(t)

	err := c.RecordSecurityEvent(context.Background(), map[string]string{
		"type": "login_failed",
		"ip":   "203.0.113.1",
	}, 24*time.Hour)
	require.NoError(t, err)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], "security:events:")

	stored, err := mr.Get(keys[0])
	require.NoError(t, err)
	assert.Contains(t, stored, "login_failed")
}
