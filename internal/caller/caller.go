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

// Package caller wraps fallible operations with response caching and
// policy-driven retries.
package caller

import (
	"context"
	"sync"
	"time"

	"github.com/localsync/localsync-server/pkg/cache"
	"github.com/localsync/localsync-server/pkg/logging"
	"github.com/localsync/localsync-server/pkg/retry"

	"go.opencensus.io/stats"
)

// Operation is a single fallible call whose successful result can be cached.
type Operation func(ctx context.Context) (interface{}, error)

// Caller executes operations with retries and caches successful results by
// key. It is safe for concurrent use.
type Caller struct {
	cache *cache.Cache

	mu       sync.Mutex
	attempts map[string]int64
}

// New creates a Caller backed by the given response cache. A nil cache
// disables response caching but retries still apply.
func New(c *cache.Cache) *Caller {
	if c == nil {
		c = cache.NewDisabled()
	}
	return &Caller{
		cache:    c,
		attempts: make(map[string]int64),
	}
}

// Call returns the cached response for key if one is present and fresh.
// Otherwise it runs op, retrying per policy, and caches a successful result
// for ttl. A ttl of zero caches nothing. The error from the final attempt is
// returned unchanged.
func (c *Caller) Call(ctx context.Context, key string, ttl time.Duration, policy retry.Policy, op Operation) (interface{}, error) {
	logger := logging.FromContext(ctx)

	if cached, ok := c.cache.Lookup(key); ok {
		stats.Record(ctx, mCacheHit.M(1))
		return cached, nil
	}
	stats.Record(ctx, mCacheMiss.M(1))

	for attempt := 0; ; attempt++ {
		c.recordAttempt(key)
		stats.Record(ctx, mCallAttempts.M(1))

		result, err := op(ctx)
		if err == nil {
			if ttl > 0 {
				if err := c.cache.Set(key, result, ttl); err != nil {
					logger.Warnw("failed to cache response", "key", key, "error", err)
				}
			}
			return result, nil
		}

		decision := policy.NextDelay(attempt, err)
		if !decision.Retry {
			stats.Record(ctx, mCallFailures.M(1))
			return nil, err
		}

		logger.Debugw("retrying operation",
			"key", key, "attempt", attempt, "delay", decision.Delay, "error", err)

		select {
		case <-ctx.Done():
			stats.Record(ctx, mCallFailures.M(1))
			return nil, ctx.Err()
		case <-time.After(decision.Delay):
		}
	}
}

// Attempts returns the cumulative number of operation executions for key,
// counting the original call and every retry.
func (c *Caller) Attempts(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[key]
}

// Invalidate drops any cached response for key.
func (c *Caller) Invalidate(key string) {
	c.cache.Invalidate(key)
}

func (c *Caller) recordAttempt(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts[key]++
}
