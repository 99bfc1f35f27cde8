// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultRedisCachePrefix namespaces orchestrator entries in a shared Redis
const DefaultRedisCachePrefix = "admarket:"

const redisScanBatch = 200

// RedisResponseCache shares cached responses between orchestrator
// replicas. Entries expire through Redis TTLs; capacity is bounded by the
// Redis eviction policy rather than by this type.
type RedisResponseCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisResponseCache connects to redisURL (redis://host:port/db) and
// verifies the connection.
func NewRedisResponseCache(redisURL string, ttl time.Duration) (*RedisResponseCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[ResponseCache] Redis connected: %s", opts.Addr)
	return NewRedisResponseCacheWithClient(client, ttl, DefaultRedisCachePrefix), nil
}

// NewRedisResponseCacheWithClient wraps an existing client.
func NewRedisResponseCacheWithClient(client *redis.Client, ttl time.Duration, prefix string) *RedisResponseCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisResponseCache{client: client, ttl: ttl, prefix: prefix}
}

func (c *RedisResponseCache) redisKey(key string) string {
	return c.prefix + key
}

// Get loads and decodes the entry for key.
func (c *RedisResponseCache) Get(ctx context.Context, key string) (*OrchestrationResponse, bool, error) {
	data, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var resp OrchestrationResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		// A corrupt entry is treated as a miss and removed.
		c.misses.Add(1)
		_ = c.client.Del(ctx, c.redisKey(key)).Err()
		return nil, false, nil
	}
	c.hits.Add(1)
	return &resp, true, nil
}

// Set stores the response with the configured TTL.
func (c *RedisResponseCache) Set(ctx context.Context, key string, resp *OrchestrationResponse) error {
	if resp == nil {
		return fmt.Errorf("cannot cache nil response")
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	if err := c.client.Set(ctx, c.redisKey(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Clear deletes every key under the cache prefix.
func (c *RedisResponseCache) Clear(ctx context.Context) error {
	keys, err := c.scanKeys(ctx)
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += redisScanBatch {
		end := start + redisScanBatch
		if end > len(keys) {
			end = len(keys)
		}
		if err := c.client.Del(ctx, keys[start:end]...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
	}
	return nil
}

func (c *RedisResponseCache) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, c.prefix+cacheKeyPrefix+"*", redisScanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}

// Stats counts live keys with SCAN. Errors are reported in the payload.
func (c *RedisResponseCache) Stats(ctx context.Context) CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	stats := CacheStats{
		Backend:    "redis",
		TTLSeconds: c.ttl.Seconds(),
		Hits:       hits,
		Misses:     misses,
		HitRate:    hitRate(hits, misses),
	}
	keys, err := c.scanKeys(ctx)
	if err != nil {
		stats.Error = err.Error()
		return stats
	}
	stats.Size = len(keys)
	return stats
}

// Close releases the underlying connection pool.
func (c *RedisResponseCache) Close() error {
	return c.client.Close()
}
