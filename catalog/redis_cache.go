package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const catalogCacheKey = "compiler:catalog:latest"

// RedisCache caches the built Document under a single well-known key with a
// 24h TTL, the same go-redis/v8 client and TTL idiom the teacher's
// RedisDiscovery uses for service registrations.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to redisURL and verifies connectivity with a Ping.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("catalog: invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("catalog: failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get returns the cached Document if present and unexpired.
func (r *RedisCache) Get(ctx context.Context) (*Document, bool) {
	data, err := r.client.Get(ctx, catalogCacheKey).Result()
	if err != nil {
		return nil, false
	}
	var persisted persistedDocument
	if err := json.Unmarshal([]byte(data), &persisted); err != nil {
		return nil, false
	}
	return newDocument(persisted.Version, persisted.Entries), true
}

// Set stores doc with the given ttl.
func (r *RedisCache) Set(ctx context.Context, doc *Document, ttl time.Duration) {
	persisted := persistedDocument{Version: doc.Version, Entries: doc.Entries}
	data, err := json.Marshal(persisted)
	if err != nil {
		return
	}
	r.client.Set(ctx, catalogCacheKey, data, ttl)
}

// Invalidate removes the cached document immediately.
func (r *RedisCache) Invalidate(ctx context.Context) {
	r.client.Del(ctx, catalogCacheKey)
}

// persistedDocument is the wire shape stored in Redis: the derived indexes
// are rebuilt on load rather than serialized.
type persistedDocument struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}
