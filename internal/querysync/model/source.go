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

import (
	"context"
	"time"

	"github.com/localsync/localsync-server/internal/merge"
	"github.com/localsync/localsync-server/internal/records"
	"github.com/localsync/localsync-server/pkg/retry"
)

// FetchResult is one fetch from a remote source.
type FetchResult struct {
	// Records are the fetched result rows. Ignored when NotModified.
	Records []*records.Record

	// ETag is the validator to present on the next conditional fetch, if
	// the source provides one.
	ETag *string

	// NotModified reports that the source confirmed the local data is
	// current for the presented validator. No merge happens.
	NotModified bool

	// Complete reports whether Records is the full remote result set. A
	// partial result never causes deletions under the diff strategy.
	Complete bool
}

// RemoteFetchFunc fetches the remote result set for a query. etag is the
// validator from the previous successful sync, empty when none.
type RemoteFetchFunc func(ctx context.Context, etag string) (*FetchResult, error)

// QuerySource binds a query key to its remote fetch, merge strategy, and
// resolve behavior.
type QuerySource struct {
	// Key uniquely identifies the query.
	Key string

	// Fetch retrieves the remote result set. Required unless Policy is
	// LocalOnly.
	Fetch RemoteFetchFunc

	// Merge reconciles fetched results with stored records. When nil the
	// replace strategy is used.
	Merge merge.Strategy

	// Policy decides when a resolve refreshes.
	Policy Policy

	// Retry governs refresh attempts against the remote source.
	Retry retry.Policy

	// ResponseTTL is how long a successful refresh result suppresses
	// re-fetching in the response cache. Zero disables response caching
	// for this source.
	ResponseTTL time.Duration
}
