// Copyright 2024 the Localsync Server authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache implements an in-memory TTL cache for any interface{} object.
// Entries expire by wall-clock comparison and are removed lazily on read;
// there is no background sweeper.
package cache

import (
	"errors"
	"sync"
	"time"
)

// ErrInvalidDuration is returned when an entry is stored with a negative TTL.
var ErrInvalidDuration = errors.New("ttl duration cannot be negative")

// Cache is an in-memory key/value store with per-entry TTLs. All operations
// are guarded by a single mutex; entries are small and operations are O(1).
//
// The zero value is not usable, use New or NewDisabled.
type Cache struct {
	mu       sync.Mutex
	data     map[string]item
	disabled bool
}

type item struct {
	object    interface{}
	expiresAt int64
}

func (i *item) expired() bool {
	return i.expiresAt < time.Now().UnixNano()
}

// New creates a new in memory cache.
func New() *Cache {
	return &Cache{
		data: make(map[string]item),
	}
}

// NewDisabled creates a cache that always misses on Lookup and no-ops on Set.
// It lets call sites opt out of caching per call without branching.
func NewDisabled() *Cache {
	return &Cache{disabled: true}
}

// Size returns the number of items in the cache, including entries that have
// expired but have not yet been read.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Lookup checks the cache for a non-expired object by the supplied key name.
// The bool return informs the caller if there was a cache hit or not.
// A return of nil, true means that nil is in the cache. An expired entry is
// treated as absent and deleted as part of this read.
func (c *Cache) Lookup(name string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disabled {
		return nil, false
	}

	item, ok := c.data[name]
	if !ok {
		return nil, false
	}
	if item.expired() {
		delete(c.data, name)
		return nil, false
	}
	return item.object, true
}

// Set saves the current value of an object in the cache, overwriting any
// existing entry, with the supplied duration until the object expires.
func (c *Cache) Set(name string, object interface{}, expireAfter time.Duration) error {
	if expireAfter < 0 {
		return ErrInvalidDuration
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disabled {
		return nil
	}

	c.data[name] = item{
		object:    object,
		expiresAt: time.Now().Add(expireAfter).UnixNano(),
	}

	return nil
}

// Invalidate removes the entry for the given key, if present.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, name)
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disabled {
		return
	}
	c.data = make(map[string]item)
}
