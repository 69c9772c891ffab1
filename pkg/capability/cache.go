// Copyright 2023 The Sigstore Authors.
//
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

package capability

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// defaultCacheSize bounds memory the same way
// pkg/webhook/registryauth.ECRCredentialCache bounds its own LRU: a fixed
// entry count rather than unbounded growth.
const defaultCacheSize = 4096

// Result is what a provider handed back for one Request, tagged with
// whether this particular call was served from the cache.
type Result struct {
	Value     any
	WasCached bool
}

// Cache is C1: at-most-one-in-flight coalescing over a bounded, optionally
// TTL-bounded store. Concurrent callers asking for the same Request's
// result block on a single in-flight provider call instead of each issuing
// their own.
//
// A TTL of zero disables expiry: entries live until evicted by the LRU
// policy, matching "source caches appear unbounded per-process" unless an
// operator opts into a bound (see pkg/config).
type Cache struct {
	store  *lru.LRU[string, any]
	flight singleflight.Group
}

// NewCache builds a Cache. size <= 0 uses defaultCacheSize; ttl <= 0 means
// entries never expire on their own (only LRU eviction removes them).
func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		// expirable.NewLRU treats a zero TTL as "never expire".
		ttl = 0
	}
	return &Cache{
		store: lru.NewLRU[string, any](size, nil, ttl),
	}
}

// GetOrCompute returns the cached value for key if present, otherwise calls
// produce exactly once across all concurrent callers sharing key and caches
// its result. A producer error is never cached, so a subsequent call with
// the same key retries.
func (c *Cache) GetOrCompute(ctx context.Context, key string, produce func(ctx context.Context) (any, error)) (Result, error) {
	if v, ok := c.store.Get(key); ok {
		return Result{Value: v, WasCached: true}, nil
	}

	// produced is set only by the caller whose own closure ran produce;
	// callers that attached to its flight see it still false.
	produced := false
	v, err, _ := c.flight.Do(key, func() (any, error) {
		if v, ok := c.store.Get(key); ok {
			return v, nil
		}
		v, err := produce(ctx)
		if err != nil {
			return nil, err
		}
		produced = true
		c.store.Add(key, v)
		return v, nil
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Value: v, WasCached: !produced}, nil
}

// Resolve is the entry point the callback handler (C3) calls for every
// Request: it consults the cache when the request is cacheable, and always
// calls produce directly otherwise (DNS lookups, DisableCache variants,
// and change-detection queries).
func (c *Cache) Resolve(ctx context.Context, req Request, produce func(ctx context.Context) (any, error)) (Result, error) {
	key, cacheable := req.CacheKey()
	if !cacheable {
		v, err := produce(ctx)
		if err != nil {
			return Result{}, err
		}
		return Result{Value: v}, nil
	}
	return c.GetOrCompute(ctx, key, produce)
}
