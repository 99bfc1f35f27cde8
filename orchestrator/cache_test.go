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
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustQuery(t *testing.T, q Query) Query {
	t.Helper()
	n, err := q.Normalize()
	require.NoError(t, err)
	return n
}

func cachedResponse(id string) *OrchestrationResponse {
	return &OrchestrationResponse{
		Products: []Product{{
			ProductID:         id,
			Name:              "Sports Pre-roll",
			PublisherTenantID: "t1",
			SourceAgentID:     "t1_local",
			PriceCPM:          4,
			Formats:           []string{"video"},
			Categories:        []string{},
			Targeting:         []string{},
			DeliveryType:      DefaultDeliveryType,
			NormalizedAt:      fixedNow,
		}},
		AgentReports: []AgentReport{{AgentID: "t1_local", TenantID: "t1", Status: AgentStatusActive}},
		Metadata:     ResponseMetadata{RequestID: "orch_1", TotalAgentsContacted: 1, SuccessfulAgents: 1},
	}
}

func TestCacheKey(t *testing.T) {
	base := Query{
		Prompt:           "sports video",
		IncludeTenantIDs: []string{"t1", "t2", "t3"},
		ExcludeAgentIDs:  []string{"b", "a"},
		Filters:          map[string]any{"geo": "US", "budget": 1000},
	}

	t.Run("list ordering does not matter", func(t *testing.T) {
		reordered := base
		reordered.IncludeTenantIDs = []string{"t3", "t1", "t2"}
		reordered.ExcludeAgentIDs = []string{"a", "b"}

		k1, err := CacheKey(mustQuery(t, base))
		require.NoError(t, err)
		k2, err := CacheKey(mustQuery(t, reordered))
		require.NoError(t, err)

		assert.Equal(t, k1, k2)
		assert.True(t, strings.HasPrefix(k1, "orch_cache_"))
	})

	t.Run("key does not mutate caller slices", func(t *testing.T) {
		q := mustQuery(t, Query{Prompt: "x", IncludeTenantIDs: []string{"z", "a"}})
		_, err := CacheKey(q)
		require.NoError(t, err)
		assert.Equal(t, []string{"z", "a"}, q.IncludeTenantIDs)
	})

	differing := []struct {
		name   string
		mutate func(*Query)
	}{
		{"prompt", func(q *Query) { q.Prompt = "news display" }},
		{"max results", func(q *Query) { q.MaxResults = 5 }},
		{"locale", func(q *Query) { q.Locale = "fr-FR" }},
		{"currency", func(q *Query) { q.Currency = "EUR" }},
		{"filters", func(q *Query) { q.Filters = map[string]any{"geo": "CA"} }},
		{"tenant moved to exclude", func(q *Query) {
			q.IncludeTenantIDs = []string{"t1", "t2"}
			q.ExcludeTenantIDs = []string{"t3"}
		}},
		{"agent types", func(q *Query) { q.AgentTypes = []AgentType{AgentTypeRemote} }},
	}
	for _, tt := range differing {
		t.Run("differs by "+tt.name, func(t *testing.T) {
			other := base
			tt.mutate(&other)

			k1, err := CacheKey(mustQuery(t, base))
			require.NoError(t, err)
			k2, err := CacheKey(mustQuery(t, other))
			require.NoError(t, err)
			assert.NotEqual(t, k1, k2)
		})
	}
}

func TestMemoryResponseCache_GetSet(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryResponseCache(10, time.Minute)

	_, ok, err := cache.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "k", cachedResponse("p1")))

	got, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "p1", got.Products[0].ProductID)

	got.Products[0].Formats[0] = "mutated"
	again, _, _ := cache.Get(ctx, "k")
	assert.Equal(t, "video", again.Products[0].Formats[0], "callers must not share cached slices")

	stats := cache.Stats(ctx)
	assert.Equal(t, "memory", stats.Backend)
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)

	assert.Error(t, cache.Set(ctx, "nil", nil))
}

func TestMemoryResponseCache_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryResponseCache(2, time.Minute)

	require.NoError(t, cache.Set(ctx, "a", cachedResponse("a")))
	require.NoError(t, cache.Set(ctx, "b", cachedResponse("b")))
	_, _, _ = cache.Get(ctx, "a")
	require.NoError(t, cache.Set(ctx, "c", cachedResponse("c")))

	_, okA, _ := cache.Get(ctx, "a")
	_, okB, _ := cache.Get(ctx, "b")
	_, okC, _ := cache.Get(ctx, "c")
	assert.True(t, okA)
	assert.False(t, okB)
	assert.True(t, okC)
}

func TestMemoryResponseCache_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryResponseCache(10, 50*time.Millisecond)

	require.NoError(t, cache.Set(ctx, "k", cachedResponse("p1")))
	time.Sleep(150 * time.Millisecond)

	_, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryResponseCache_Clear(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryResponseCache(0, 0)

	for i := 0; i < 5; i++ {
		require.NoError(t, cache.Set(ctx, fmt.Sprintf("k%d", i), cachedResponse("p")))
	}
	require.NoError(t, cache.Clear(ctx))

	stats := cache.Stats(ctx)
	assert.Equal(t, 0, stats.Size)
	assert.Equal(t, DefaultCacheMaxEntries, stats.MaxEntries)
	assert.Equal(t, DefaultCacheTTL.Seconds(), stats.TTLSeconds)
}

func newTestRedisCache(t *testing.T, ttl time.Duration) (*RedisResponseCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisResponseCacheWithClient(client, ttl, "test:"), mr
}

func TestRedisResponseCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestRedisCache(t, time.Minute)

	key, err := CacheKey(mustQuery(t, Query{Prompt: "sports"}))
	require.NoError(t, err)

	_, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, key, cachedResponse("p1")))
	assert.True(t, mr.Exists("test:"+key))

	got, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cachedResponse("p1").Products, got.Products)

	mr.FastForward(2 * time.Minute)
	_, ok, err = cache.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "entry should expire with the TTL")
}

func TestRedisResponseCache_CorruptEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestRedisCache(t, time.Minute)

	require.NoError(t, mr.Set("test:orch_cache_bad", "{not json"))

	_, ok, err := cache.Get(ctx, "orch_cache_bad")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("test:orch_cache_bad"))
}

func TestRedisResponseCache_ClearOnlyTouchesPrefix(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestRedisCache(t, time.Minute)

	for i := 0; i < 3; i++ {
		require.NoError(t, cache.Set(ctx, fmt.Sprintf("orch_cache_%d", i), cachedResponse("p")))
	}
	require.NoError(t, mr.Set("other:key", "keep"))

	assert.Equal(t, 3, cache.Stats(ctx).Size)
	require.NoError(t, cache.Clear(ctx))

	assert.Equal(t, 0, cache.Stats(ctx).Size)
	assert.True(t, mr.Exists("other:key"))
}

func TestRedisResponseCache_ErrorsSurface(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestRedisCache(t, time.Minute)
	mr.Close()

	_, _, err := cache.Get(ctx, "orch_cache_x")
	assert.Error(t, err)
	assert.Error(t, cache.Set(ctx, "orch_cache_x", cachedResponse("p")))
	assert.NotEmpty(t, cache.Stats(ctx).Error)
}

func TestNewRedisResponseCache_InvalidURL(t *testing.T) {
	_, err := NewRedisResponseCache("http://localhost:6379", time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse")
}
