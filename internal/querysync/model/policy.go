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

// Package model holds the types shared by the query sync layers.
package model

import "time"

// Mode selects how a query resolve balances local data against the remote
// source.
type Mode string

const (
	// ModeLocalOnly never contacts the remote source.
	ModeLocalOnly = Mode("LOCAL_ONLY")

	// ModeStaleWhileRevalidate serves local data immediately and refreshes
	// in the background when stale.
	ModeStaleWhileRevalidate = Mode("STALE_WHILE_REVALIDATE")

	// ModeCacheFirst serves local data while fresh and refreshes in the
	// foreground when stale.
	ModeCacheFirst = Mode("CACHE_FIRST")

	// ModeNetworkFirst always refreshes in the foreground, optionally
	// falling back to local data on failure.
	ModeNetworkFirst = Mode("NETWORK_FIRST")
)

// Policy decides when a query's local data is stale and what a resolve does
// about it.
type Policy struct {
	Mode Mode

	// StaleAfter is how long after a successful sync the local data stays
	// fresh. Used by StaleWhileRevalidate and CacheFirst.
	StaleAfter time.Duration

	// FallbackToCache lets NetworkFirst serve local data when the refresh
	// fails.
	FallbackToCache bool
}

// LocalOnly returns a policy that only ever reads local data.
func LocalOnly() Policy {
	return Policy{Mode: ModeLocalOnly}
}

// StaleWhileRevalidate returns a policy that serves local data immediately
// and refreshes in the background once the data is older than staleAfter.
func StaleWhileRevalidate(staleAfter time.Duration) Policy {
	return Policy{Mode: ModeStaleWhileRevalidate, StaleAfter: staleAfter}
}

// CacheFirst returns a policy that serves local data while younger than
// staleAfter and otherwise refreshes before responding.
func CacheFirst(staleAfter time.Duration) Policy {
	return Policy{Mode: ModeCacheFirst, StaleAfter: staleAfter}
}

// NetworkFirst returns a policy that refreshes on every resolve. When
// fallbackToCache is true a failed refresh falls back to local data instead
// of returning the error.
func NetworkFirst(fallbackToCache bool) Policy {
	return Policy{Mode: ModeNetworkFirst, FallbackToCache: fallbackToCache}
}
