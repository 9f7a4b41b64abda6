package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache implements Cache with an expiring in-process map. Used by
// tests and single-process deployments without a Redis instance.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// setNX inserts the key unless a live entry exists. Expired entries are
// purged lazily.
func (m *MemoryCache) setNX(key string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if expiry, ok := m.entries[key]; ok && m.now().Before(expiry) {
		return false
	}
	m.entries[key] = m.now().Add(ttl)
	return true
}

func (m *MemoryCache) exists(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	expiry, ok := m.entries[key]
	if !ok {
		return false
	}
	if m.now().After(expiry) {
		delete(m.entries, key)
		return false
	}
	return true
}

// AcquireLock takes the named lock. Returns false when it is held.
func (m *MemoryCache) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return m.setNX("lock:"+name, ttl), nil
}

// ReleaseLock drops the named lock.
func (m *MemoryCache) ReleaseLock(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, "lock:"+name)
	return nil
}

// IsLocked reports whether the named lock is currently held.
func (m *MemoryCache) IsLocked(ctx context.Context, name string) (bool, error) {
	return m.exists("lock:" + name), nil
}

// MarkProcessed records the id. Returns true only on the first call
// within the TTL.
func (m *MemoryCache) MarkProcessed(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	return m.setNX("dedupe:"+id, ttl), nil
}

// WasProcessed reports whether the id was marked within its TTL.
func (m *MemoryCache) WasProcessed(ctx context.Context, id string) (bool, error) {
	return m.exists("dedupe:" + id), nil
}

// Close releases the cache.
func (m *MemoryCache) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]time.Time)
	return nil
}
