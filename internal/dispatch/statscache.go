/*
Copyright 2025 The Volmux Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package dispatch

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/volmux/volmux/internal/backend"
)

const (
	// statsCacheSize bounds the number of cached pool capacity reports,
	// one entry per (backend, pool).
	statsCacheSize = 256
	// statsCacheTTL is how long a capacity report is served from cache.
	// Capacity moves slowly relative to placement decisions, a short TTL
	// keeps scheduler bursts off the management interfaces.
	statsCacheTTL = 30 * time.Second
)

// statsCache caches pool capacity reports so bursts of placement queries do
// not hammer the arrays. Entries are dropped on any operation that changes
// allocated space.
type statsCache struct {
	lru *expirable.LRU[string, *backend.PoolCapacity]
}

func newStatsCache() *statsCache {
	return &statsCache{
		lru: expirable.NewLRU[string, *backend.PoolCapacity](statsCacheSize, nil, statsCacheTTL),
	}
}

func statsKey(backendName, pool string) string {
	return backendName + "/" + pool
}

func (c *statsCache) get(backendName, pool string) (*backend.PoolCapacity, bool) {
	return c.lru.Get(statsKey(backendName, pool))
}

func (c *statsCache) put(backendName string, capacity *backend.PoolCapacity) {
	c.lru.Add(statsKey(backendName, capacity.Pool), capacity)
}

// invalidate drops the cached report of one pool, called after an operation
// consumed or released space in it.
func (c *statsCache) invalidate(backendName, pool string) {
	c.lru.Remove(statsKey(backendName, pool))
}

// invalidateBackend drops every cached report of one backend, used when the
// pool of an affected volume is not known to the caller.
func (c *statsCache) invalidateBackend(backendName string) {
	for _, key := range c.lru.Keys() {
		if len(key) > len(backendName) && key[:len(backendName)+1] == backendName+"/" {
			c.lru.Remove(key)
		}
	}
}
