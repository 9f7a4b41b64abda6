package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	cache, err := NewRedisCache("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache, mr
}

// TestRedisCache_LockLifecycle tests acquire, contention, release and
// reacquire on the Redis driver.
func TestRedisCache_LockLifecycle(t *testing.T) {
	ctx := context.Background()
	cache, _ := openRedisCache(t)

	acquired, err := cache.AcquireLock(ctx, "retry-sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired, "first acquire should succeed")

	acquired, err = cache.AcquireLock(ctx, "retry-sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired, "held lock must not be acquired twice")

	locked, err := cache.IsLocked(ctx, "retry-sweep")
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, cache.ReleaseLock(ctx, "retry-sweep"))

	acquired, err = cache.AcquireLock(ctx, "retry-sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired, "released lock should be acquirable again")
}

// TestRedisCache_LockExpires tests that the lock frees itself after the
// TTL.
func TestRedisCache_LockExpires(t *testing.T) {
	ctx := context.Background()
	cache, mr := openRedisCache(t)

	acquired, err := cache.AcquireLock(ctx, "retry-sweep", 30*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	mr.FastForward(31 * time.Second)

	acquired, err = cache.AcquireLock(ctx, "retry-sweep", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired, "expired lock should be acquirable")
}

// TestRedisCache_Dedupe tests that only the first mark within the TTL
// reports unseen.
func TestRedisCache_Dedupe(t *testing.T) {
	ctx := context.Background()
	cache, mr := openRedisCache(t)

	first, err := cache.MarkProcessed(ctx, "a1b2c3d4e5f60718", time.Hour)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := cache.MarkProcessed(ctx, "a1b2c3d4e5f60718", time.Hour)
	require.NoError(t, err)
	assert.False(t, second, "duplicate request id must report processed")

	seen, err := cache.WasProcessed(ctx, "a1b2c3d4e5f60718")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = cache.WasProcessed(ctx, "ffffffffffffffff")
	require.NoError(t, err)
	assert.False(t, seen)

	mr.FastForward(2 * time.Hour)

	first, err = cache.MarkProcessed(ctx, "a1b2c3d4e5f60718", time.Hour)
	require.NoError(t, err)
	assert.True(t, first, "expired dedupe entry should be markable again")
}

// TestRedisCache_LocksAndDedupeAreSeparate tests that lock and dedupe
// namespaces do not collide.
func TestRedisCache_LocksAndDedupeAreSeparate(t *testing.T) {
	ctx := context.Background()
	cache, _ := openRedisCache(t)

	acquired, err := cache.AcquireLock(ctx, "shared-name", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	first, err := cache.MarkProcessed(ctx, "shared-name", time.Minute)
	require.NoError(t, err)
	assert.True(t, first, "dedupe key must not collide with a lock of the same name")
}

// TestNewRedisCache_InvalidURL tests URL validation.
func TestNewRedisCache_InvalidURL(t *testing.T) {
	_, err := NewRedisCache("not-a-redis-url")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse Redis URL")
}

// TestMemoryCache_LockLifecycle tests the memory driver against the same
// lock contract.
func TestMemoryCache_LockLifecycle(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	defer cache.Close()

	acquired, err := cache.AcquireLock(ctx, "retry-sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = cache.AcquireLock(ctx, "retry-sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, cache.ReleaseLock(ctx, "retry-sweep"))

	acquired, err = cache.AcquireLock(ctx, "retry-sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

// TestMemoryCache_Expiry tests TTL expiry with an injected clock.
func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	defer cache.Close()

	current := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return current }

	acquired, err := cache.AcquireLock(ctx, "retry-sweep", 30*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	first, err := cache.MarkProcessed(ctx, "a1b2c3d4e5f60718", time.Hour)
	require.NoError(t, err)
	require.True(t, first)

	current = current.Add(31 * time.Second)

	acquired, err = cache.AcquireLock(ctx, "retry-sweep", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired, "expired lock should be acquirable")

	seen, err := cache.WasProcessed(ctx, "a1b2c3d4e5f60718")
	require.NoError(t, err)
	assert.True(t, seen, "dedupe entry must outlive the shorter lock TTL")

	current = current.Add(time.Hour)

	seen, err = cache.WasProcessed(ctx, "a1b2c3d4e5f60718")
	require.NoError(t, err)
	assert.False(t, seen, "dedupe entry should expire after its TTL")
}
