package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/sentinel/model"
)

// DedupCache remembers the record written for a request hash so a repeated
// AppendOnce returns it without touching the chain. The store remains the
// source of truth; a cache miss falls through to it.
type DedupCache interface {
	// Get returns the cached record for requestHash, if any.
	Get(ctx context.Context, requestHash string) (rec *model.SafetyDecision, found bool, err error)

	// Put caches rec under its request hash with a TTL.
	Put(ctx context.Context, rec model.SafetyDecision, ttl time.Duration) error
}

// FormatDedupKey builds the cache key for a request hash.
func FormatDedupKey(requestHash string) string {
	return "ledger:req:" + requestHash
}

// --- MemoryDedupCache ---

// MemoryDedupCache is an in-memory DedupCache with TTL support.
type MemoryDedupCache struct {
	mu      sync.RWMutex
	entries map[string]*dedupEntry
	now     func() time.Time
}

type dedupEntry struct {
	rec       model.SafetyDecision
	expiresAt time.Time
}

// NewMemoryDedupCache creates a new in-memory dedup cache.
func NewMemoryDedupCache() *MemoryDedupCache {
	return &MemoryDedupCache{
		entries: make(map[string]*dedupEntry),
		now:     time.Now,
	}
}

// Get returns a cached record, evicting it if expired.
func (c *MemoryDedupCache) Get(_ context.Context, requestHash string) (*model.SafetyDecision, bool, error) {
	key := FormatDedupKey(requestHash)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false, nil
	}

	rec := copyRecord(entry.rec)
	return &rec, true, nil
}

// Put caches rec with TTL.
func (c *MemoryDedupCache) Put(_ context.Context, rec model.SafetyDecision, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[FormatDedupKey(rec.RequestHash)] = &dedupEntry{
		rec:       copyRecord(rec),
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

// HealthCheck always succeeds.
func (c *MemoryDedupCache) HealthCheck(_ context.Context) error {
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (c *MemoryDedupCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// --- RedisDedupCache ---

// RedisDedupCache is a Redis-backed DedupCache.
type RedisDedupCache struct {
	client redis.Cmdable
}

// NewRedisDedupCache creates a new Redis-backed dedup cache.
func NewRedisDedupCache(client redis.Cmdable) *RedisDedupCache {
	return &RedisDedupCache{client: client}
}

// Get looks up a cached record in Redis.
func (c *RedisDedupCache) Get(ctx context.Context, requestHash string) (*model.SafetyDecision, bool, error) {
	key := FormatDedupKey(requestHash)
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var rec model.SafetyDecision
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("unmarshal dedup entry %q: %w", key, err)
	}
	return &rec, true, nil
}

// Put stores rec in Redis with TTL. An existing entry is kept.
func (c *RedisDedupCache) Put(ctx context.Context, rec model.SafetyDecision, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dedup entry: %w", err)
	}
	key := FormatDedupKey(rec.RequestHash)
	if err := c.client.SetNX(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (c *RedisDedupCache) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
