package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache using Redis/Valkey/DragonflyDB.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to the Redis instance at url and verifies the
// connection with a ping.
func NewRedisCache(url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// AcquireLock takes the named lock with SET NX EX. Returns false when
// another holder has it.
func (r *RedisCache) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	key := "lock:" + name
	lockData := map[string]interface{}{
		"name":     name,
		"lockedAt": time.Now().Format(time.RFC3339),
		"ttl":      ttl.String(),
	}

	data, err := json.Marshal(lockData)
	if err != nil {
		return false, err
	}

	result, err := r.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return false, err
	}
	return result, nil
}

// ReleaseLock drops the named lock.
func (r *RedisCache) ReleaseLock(ctx context.Context, name string) error {
	return r.client.Del(ctx, "lock:"+name).Err()
}

// IsLocked reports whether the named lock is currently held.
func (r *RedisCache) IsLocked(ctx context.Context, name string) (bool, error) {
	exists, err := r.client.Exists(ctx, "lock:"+name).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// MarkProcessed records the id with SET NX EX. Returns true only on the
// first call within the TTL.
func (r *RedisCache) MarkProcessed(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	result, err := r.client.SetNX(ctx, "dedupe:"+id, time.Now().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, err
	}
	return result, nil
}

// WasProcessed reports whether the id was marked within its TTL.
func (r *RedisCache) WasProcessed(ctx context.Context, id string) (bool, error) {
	exists, err := r.client.Exists(ctx, "dedupe:"+id).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// Close closes the Redis connection.
func (r *RedisCache) Close() error {
	return r.client.Close()
}
