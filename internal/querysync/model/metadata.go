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

package model

import "time"

// QueryMetadata tracks the sync state of a single query. It mirrors a row in
// the SyncQueryMetadata table.
type QueryMetadata struct {
	// QueryKey uniquely identifies the query.
	QueryKey string

	// LastSyncedAt is the time of the last successful sync, nil if the
	// query has never synced. Failed syncs never advance it.
	LastSyncedAt *time.Time

	// LastModifiedAt is the time this row last changed for any reason,
	// including claiming and releasing the in-progress flag.
	LastModifiedAt time.Time

	// ETag is the validator returned by the remote source on the last
	// successful sync, if any.
	ETag *string

	// RecordCount is the number of stored records after the last sync.
	RecordCount int

	// SyncInProgress marks that some process has claimed a sync for this
	// query.
	SyncInProgress bool
}

// IsStale reports whether the query's local data should be considered stale
// under the given policy at time now.
//
// A query that has never synced is always stale, except under LocalOnly which
// never goes stale because it never refreshes. NetworkFirst data is never
// "stale" in this sense, every resolve refreshes regardless.
func (m *QueryMetadata) IsStale(p Policy, now time.Time) bool {
	switch p.Mode {
	case ModeLocalOnly:
		return false
	case ModeNetworkFirst:
		return m.LastSyncedAt == nil
	}

	if m.LastSyncedAt == nil {
		return true
	}
	return now.After(m.LastSyncedAt.Add(p.StaleAfter))
}

// TimeUntilStale returns how long until the query's data goes stale under the
// given policy. The second return is false when the query never goes stale
// (LocalOnly) or is already stale.
func (m *QueryMetadata) TimeUntilStale(p Policy, now time.Time) (time.Duration, bool) {
	if p.Mode == ModeLocalOnly || p.Mode == ModeNetworkFirst {
		return 0, false
	}
	if m.LastSyncedAt == nil {
		return 0, false
	}

	d := m.LastSyncedAt.Add(p.StaleAfter).Sub(now)
	if d <= 0 {
		return 0, false
	}
	return d, true
}
