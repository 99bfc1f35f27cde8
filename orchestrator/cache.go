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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache defaults
const (
	DefaultCacheMaxEntries = 1000
	DefaultCacheTTL        = 300 * time.Second
	cacheKeyPrefix         = "orch_cache_"
)

// ResponseCache stores complete orchestration responses keyed by CacheKey.
// Implementations must be safe for concurrent use.
type ResponseCache interface {
	Get(ctx context.Context, key string) (*OrchestrationResponse, bool, error)
	Set(ctx context.Context, key string, resp *OrchestrationResponse) error
	Clear(ctx context.Context) error
	Stats(ctx context.Context) CacheStats
}

// CacheStats is exposed on the monitoring surface
type CacheStats struct {
	Backend    string  `json:"backend"`
	Size       int     `json:"cache_size"`
	MaxEntries int     `json:"max_size"`
	TTLSeconds float64 `json:"ttl_seconds"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
	Error      string  `json:"error,omitempty"`
}

type cacheKeyDoc struct {
	Prompt           string         `json:"prompt"`
	MaxResults       int            `json:"max_results"`
	Filters          map[string]any `json:"filters"`
	Locale           string         `json:"locale"`
	Currency         string         `json:"currency"`
	IncludeTenantIDs []string       `json:"include_tenant_ids"`
	ExcludeTenantIDs []string       `json:"exclude_tenant_ids"`
	IncludeAgentIDs  []string       `json:"include_agent_ids"`
	ExcludeAgentIDs  []string       `json:"exclude_agent_ids"`
	AgentTypes       []string       `json:"agent_types"`
}

// CacheKey hashes a canonical serialization of the query. Selection lists
// are sorted first so callers may supply them in any order. Map keys are
// ordered by encoding/json.
func CacheKey(q Query) (string, error) {
	types := make([]string, len(q.AgentTypes))
	for i, t := range q.AgentTypes {
		types[i] = string(t)
	}

	doc := cacheKeyDoc{
		Prompt:           q.Prompt,
		MaxResults:       q.MaxResults,
		Filters:          q.Filters,
		Locale:           q.Locale,
		Currency:         q.Currency,
		IncludeTenantIDs: sortedCopy(q.IncludeTenantIDs),
		ExcludeTenantIDs: sortedCopy(q.ExcludeTenantIDs),
		IncludeAgentIDs:  sortedCopy(q.IncludeAgentIDs),
		ExcludeAgentIDs:  sortedCopy(q.ExcludeAgentIDs),
		AgentTypes:       sortedCopy(types),
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to serialize query for cache key: %w", err)
	}
	sum := sha256.Sum256(data)
	return cacheKeyPrefix + hex.EncodeToString(sum[:]), nil
}

func sortedCopy(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	return out
}

// MemoryResponseCache is an in-process LRU with per-entry TTL.
type MemoryResponseCache struct {
	lru        *expirable.LRU[string, *OrchestrationResponse]
	maxEntries int
	ttl        time.Duration
	hits       atomic.Int64
	misses     atomic.Int64
}

// NewMemoryResponseCache creates a cache holding at most maxEntries
// responses for ttl each. Non-positive arguments select the defaults.
func NewMemoryResponseCache(maxEntries int, ttl time.Duration) *MemoryResponseCache {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryResponseCache{
		lru:        expirable.NewLRU[string, *OrchestrationResponse](maxEntries, nil, ttl),
		maxEntries: maxEntries,
		ttl:        ttl,
	}
}

// Get returns a copy of the cached response.
func (c *MemoryResponseCache) Get(_ context.Context, key string) (*OrchestrationResponse, bool, error) {
	resp, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false, nil
	}
	c.hits.Add(1)
	return resp.clone(), true, nil
}

// Set replaces any existing entry for key.
func (c *MemoryResponseCache) Set(_ context.Context, key string, resp *OrchestrationResponse) error {
	if resp == nil {
		return fmt.Errorf("cannot cache nil response")
	}
	c.lru.Add(key, resp.clone())
	return nil
}

// Clear drops every entry. Hit and miss counters are kept.
func (c *MemoryResponseCache) Clear(_ context.Context) error {
	c.lru.Purge()
	return nil
}

// Stats reports occupancy and hit ratio.
func (c *MemoryResponseCache) Stats(_ context.Context) CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	return CacheStats{
		Backend:    "memory",
		Size:       c.lru.Len(),
		MaxEntries: c.maxEntries,
		TTLSeconds: c.ttl.Seconds(),
		Hits:       hits,
		Misses:     misses,
		HitRate:    hitRate(hits, misses),
	}
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
