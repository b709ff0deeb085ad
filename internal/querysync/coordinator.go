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

// Package querysync coordinates cache-policy-driven resolution of queries
// against remote sources.
package querysync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/localsync/localsync-server/internal/caller"
	"github.com/localsync/localsync-server/internal/merge"
	syncdb "github.com/localsync/localsync-server/internal/querysync/database"
	"github.com/localsync/localsync-server/internal/querysync/model"
	"github.com/localsync/localsync-server/internal/records"
	"github.com/localsync/localsync-server/pkg/cache"
	"github.com/localsync/localsync-server/pkg/logging"
	"github.com/localsync/localsync-server/pkg/retry"

	"github.com/hashicorp/go-multierror"
	"go.opencensus.io/stats"
	"golang.org/x/sync/semaphore"
)

// ErrUnknownQuery is returned when resolving a query key with no registered
// source.
var ErrUnknownQuery = errors.New("no source registered for query")

// ErrNoFetcher is returned when a non-local policy has no fetch function.
var ErrNoFetcher = errors.New("source has no fetch function")

// MetadataStore is the persistence surface the coordinator needs for sync
// metadata. *database.QuerySyncDB implements it.
type MetadataStore interface {
	Metadata(ctx context.Context, queryKey string) (*model.QueryMetadata, error)
	ClaimSync(ctx context.Context, queryKey string, stuckTTL time.Duration) error
	ReleaseSync(ctx context.Context, queryKey string) error
	FinalizeSync(ctx context.Context, queryKey string, syncedAt time.Time, etag *string, recordCount int) error
	Invalidate(ctx context.Context, queryKey string) error
}

// Result is the outcome of resolving a query.
type Result struct {
	// Records is the local result set after the resolve.
	Records []*records.Record

	// Metadata is the query's sync state after the resolve.
	Metadata *model.QueryMetadata

	// Refreshing reports that a background refresh was started or joined
	// but not waited for.
	Refreshing bool
}

// flight is one in-progress refresh for a query key. Concurrent resolves of
// the same key share a flight instead of fetching in parallel.
type flight struct {
	done   chan struct{}
	cancel context.CancelFunc
	err    error

	// waiters counts resolves currently blocked on this flight. When the
	// last waiter abandons the flight it is canceled. A flight nobody
	// waits on (background revalidation) runs to completion.
	waiters int
}

// Coordinator resolves queries per their cache policies, coordinating
// refreshes so each query has at most one fetch in progress per process and,
// via the claim table, across processes.
type Coordinator struct {
	metadb MetadataStore
	store  records.Store
	caller *caller.Caller

	responseCache *cache.Cache

	stuckSyncTTL   time.Duration
	refreshTimeout time.Duration
	maxRefreshes   int64

	mu      sync.Mutex
	sources map[string]*model.QuerySource
	flights map[string]*flight
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithStuckSyncTTL overrides how old a held sync claim must be before it is
// presumed abandoned and stolen.
func WithStuckSyncTTL(d time.Duration) Option {
	return func(c *Coordinator) { c.stuckSyncTTL = d }
}

// WithRefreshTimeout overrides the time budget of a single refresh, including
// retries.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.refreshTimeout = d }
}

// WithMaxConcurrentRefreshes overrides how many refreshes RefreshAll runs in
// parallel.
func WithMaxConcurrentRefreshes(n int64) Option {
	return func(c *Coordinator) { c.maxRefreshes = n }
}

// New creates a Coordinator over the given metadata store and record store.
func New(metadb MetadataStore, store records.Store, opts ...Option) *Coordinator {
	responseCache := cache.New()
	c := &Coordinator{
		metadb:         metadb,
		store:          store,
		caller:         caller.New(responseCache),
		responseCache:  responseCache,
		stuckSyncTTL:   5 * time.Minute,
		refreshTimeout: 10 * time.Minute,
		maxRefreshes:   4,
		sources:        make(map[string]*model.QuerySource),
		flights:        make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds or replaces the source for its query key.
func (c *Coordinator) Register(source *model.QuerySource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[source.Key] = source
}

// Source returns the registered source for the query key, if any.
func (c *Coordinator) Source(queryKey string) (*model.QuerySource, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sources[queryKey]
	return s, ok
}

// ResolveKey resolves the registered source for the given query key.
func (c *Coordinator) ResolveKey(ctx context.Context, queryKey string) (*Result, error) {
	source, ok := c.Source(queryKey)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQuery, queryKey)
	}
	return c.Resolve(ctx, source)
}

// Resolve reads the query's local data, refreshing it from the remote source
// first, after, or not at all, per the source's policy.
func (c *Coordinator) Resolve(ctx context.Context, source *model.QuerySource) (*Result, error) {
	if source.Policy.Mode != model.ModeLocalOnly && source.Fetch == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoFetcher, source.Key)
	}

	meta, err := c.metadb.Metadata(ctx, source.Key)
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}

	switch source.Policy.Mode {
	case model.ModeLocalOnly:
		return c.localResult(ctx, meta)

	case model.ModeStaleWhileRevalidate:
		result, err := c.localResult(ctx, meta)
		if err != nil {
			return nil, err
		}
		if meta.IsStale(source.Policy, time.Now()) {
			if _, started := c.startOrJoinFlight(ctx, source); started {
				stats.Record(ctx, mBackgroundRefresh.M(1))
			}
			result.Refreshing = true
		}
		return result, nil

	case model.ModeCacheFirst:
		if !meta.IsStale(source.Policy, time.Now()) {
			return c.localResult(ctx, meta)
		}
		if err := c.refresh(ctx, source); err != nil {
			return nil, err
		}
		return c.resolveLocal(ctx, source.Key)

	case model.ModeNetworkFirst:
		if err := c.refresh(ctx, source); err != nil {
			// The fallback serves whatever is stored locally, even when
			// the query was invalidated or has never synced.
			if source.Policy.FallbackToCache {
				logging.FromContext(ctx).Warnw("refresh failed, serving local data",
					"query", source.Key, "error", err)
				stats.Record(ctx, mFallbackServed.M(1))
				return c.localResult(ctx, meta)
			}
			return nil, err
		}
		return c.resolveLocal(ctx, source.Key)

	default:
		return nil, fmt.Errorf("unknown cache mode %q", source.Policy.Mode)
	}
}

// Refresh forces a foreground refresh of the query regardless of staleness.
func (c *Coordinator) Refresh(ctx context.Context, queryKey string) error {
	source, ok := c.Source(queryKey)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownQuery, queryKey)
	}
	if source.Fetch == nil {
		return fmt.Errorf("%w: %q", ErrNoFetcher, queryKey)
	}
	return c.refresh(ctx, source)
}

// RefreshAll refreshes every registered non-local source, bounded by the
// configured concurrency. Failures are collected, one source failing does not
// stop the others.
func (c *Coordinator) RefreshAll(ctx context.Context) error {
	c.mu.Lock()
	sources := make([]*model.QuerySource, 0, len(c.sources))
	for _, s := range c.sources {
		if s.Fetch != nil {
			sources = append(sources, s)
		}
	}
	c.mu.Unlock()

	var (
		merr    *multierror.Error
		errLock sync.Mutex
		wg      sync.WaitGroup
		workers = semaphore.NewWeighted(c.maxRefreshes)
	)

	for _, source := range sources {
		if err := workers.Acquire(ctx, 1); err != nil {
			errLock.Lock()
			merr = multierror.Append(merr, fmt.Errorf("acquiring semaphore: %w", err))
			errLock.Unlock()
			break
		}

		wg.Add(1)
		go func(source *model.QuerySource) {
			defer wg.Done()
			defer workers.Release(1)

			if err := c.refresh(ctx, source); err != nil {
				errLock.Lock()
				merr = multierror.Append(merr, fmt.Errorf("refreshing %q: %w", source.Key, err))
				errLock.Unlock()
			}
		}(source)
	}

	wg.Wait()
	return merr.ErrorOrNil()
}

// Invalidate clears the query's sync result and any cached refresh response,
// so the next resolve treats the query as never synced. Stored records stay
// in place for policies that can serve them.
func (c *Coordinator) Invalidate(ctx context.Context, queryKey string) error {
	if err := c.metadb.Invalidate(ctx, queryKey); err != nil {
		return fmt.Errorf("invalidating metadata: %w", err)
	}
	c.caller.Invalidate(refreshCallKey(queryKey))
	return nil
}

// Clear drops every cached refresh response. Sync metadata and stored
// records are untouched.
func (c *Coordinator) Clear() {
	c.responseCache.Clear()
}

// TimeUntilStale returns how long until the query's data goes stale under its
// registered policy. The second return is false when the query never goes
// stale or already is.
func (c *Coordinator) TimeUntilStale(ctx context.Context, queryKey string) (time.Duration, bool, error) {
	source, ok := c.Source(queryKey)
	if !ok {
		return 0, false, fmt.Errorf("%w: %q", ErrUnknownQuery, queryKey)
	}
	meta, err := c.metadb.Metadata(ctx, queryKey)
	if err != nil {
		return 0, false, fmt.Errorf("reading metadata: %w", err)
	}
	d, known := meta.TimeUntilStale(source.Policy, time.Now())
	return d, known, nil
}

// refresh runs (or joins) the query's single in-flight refresh and waits for
// it.
func (c *Coordinator) refresh(ctx context.Context, source *model.QuerySource) error {
	f, _ := c.startOrJoinFlight(ctx, source)
	return c.await(ctx, source.Key, f)
}

// startOrJoinFlight returns the query's in-progress flight, starting one on a
// detached context if none exists. The flight outlives the resolve that
// started it. The second return reports whether this call created the flight.
func (c *Coordinator) startOrJoinFlight(ctx context.Context, source *model.QuerySource) (*flight, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.flights[source.Key]; ok {
		stats.Record(ctx, mRefreshCoalesced.M(1))
		return f, false
	}

	// The refresh must not die with the request that triggered it, so it
	// runs on a fresh context carrying only the logger.
	fctx := logging.WithLogger(context.Background(), logging.FromContext(ctx))
	fctx, cancel := context.WithTimeout(fctx, c.refreshTimeout)

	f := &flight{
		done:   make(chan struct{}),
		cancel: cancel,
	}
	c.flights[source.Key] = f

	go c.runFlight(fctx, source, f)
	return f, true
}

func (c *Coordinator) runFlight(ctx context.Context, source *model.QuerySource, f *flight) {
	defer f.cancel()

	f.err = c.doRefresh(ctx, source)

	c.mu.Lock()
	if c.flights[source.Key] == f {
		delete(c.flights, source.Key)
	}
	c.mu.Unlock()

	close(f.done)
}

// await blocks until the flight finishes or ctx is done. When the last
// waiter abandons a flight, the flight itself is canceled.
func (c *Coordinator) await(ctx context.Context, queryKey string, f *flight) error {
	c.mu.Lock()
	f.waiters++
	c.mu.Unlock()

	select {
	case <-f.done:
		c.mu.Lock()
		f.waiters--
		c.mu.Unlock()
		return f.err

	case <-ctx.Done():
		c.mu.Lock()
		f.waiters--
		if f.waiters == 0 {
			f.cancel()
			if c.flights[queryKey] == f {
				delete(c.flights, queryKey)
			}
		}
		c.mu.Unlock()
		return ctx.Err()
	}
}

// doRefresh performs one full refresh cycle for the query: claim, fetch with
// retries, merge, finalize. The response cache suppresses re-fetching for the
// source's ResponseTTL.
func (c *Coordinator) doRefresh(ctx context.Context, source *model.QuerySource) error {
	_, err := c.caller.Call(ctx, refreshCallKey(source.Key), source.ResponseTTL, source.Retry,
		func(ctx context.Context) (interface{}, error) {
			out, err := c.syncOnce(ctx, source)
			if err != nil {
				return nil, err
			}
			return out, nil
		})
	return err
}

// syncOnce is a single claim-fetch-merge-finalize attempt.
func (c *Coordinator) syncOnce(ctx context.Context, source *model.QuerySource) (merge.Outcome, error) {
	logger := logging.FromContext(ctx)

	if err := c.metadb.ClaimSync(ctx, source.Key, c.stuckSyncTTL); err != nil {
		// Another process holds the claim. Retrying would only pile on, the
		// caller can resolve again once that sync completes.
		if errors.Is(err, syncdb.ErrSyncInProgress) {
			return merge.Outcome{}, retry.MarkFatal(fmt.Errorf("claiming sync: %w", err))
		}
		return merge.Outcome{}, fmt.Errorf("claiming sync: %w", err)
	}

	// The claim must be released even when the refresh context is already
	// canceled, so the release runs on its own context.
	finalized := false
	defer func() {
		if finalized {
			return
		}
		releaseCtx, cancel := context.WithTimeout(
			logging.WithLogger(context.Background(), logger), 30*time.Second)
		defer cancel()
		if err := c.metadb.ReleaseSync(releaseCtx, source.Key); err != nil {
			logger.Errorw("failed to release sync claim", "query", source.Key, "error", err)
		}
	}()

	meta, err := c.metadb.Metadata(ctx, source.Key)
	if err != nil {
		return merge.Outcome{}, fmt.Errorf("reading metadata: %w", err)
	}

	var etag string
	if meta.ETag != nil {
		etag = *meta.ETag
	}

	fetched, err := source.Fetch(ctx, etag)
	if err != nil {
		stats.Record(ctx, mSyncFailure.M(1))
		return merge.Outcome{}, err
	}

	syncedAt := time.Now().UTC()

	if fetched.NotModified {
		logger.Debugw("source not modified", "query", source.Key)
		if err := c.metadb.FinalizeSync(ctx, source.Key, syncedAt, meta.ETag, meta.RecordCount); err != nil {
			return merge.Outcome{}, fmt.Errorf("finalizing sync: %w", err)
		}
		finalized = true
		stats.Record(ctx, mSyncNotModified.M(1))
		return merge.Outcome{}, nil
	}

	strategy := source.Merge
	if strategy == nil {
		strategy = merge.Replace()
	}

	out, err := strategy.Apply(ctx, c.store, source.Key, fetched.Records, fetched.Complete)
	if err != nil {
		stats.Record(ctx, mSyncFailure.M(1))
		return merge.Outcome{}, fmt.Errorf("merging records: %w", err)
	}

	stored, err := c.store.List(ctx, source.Key)
	if err != nil {
		return merge.Outcome{}, fmt.Errorf("counting records: %w", err)
	}

	if err := c.metadb.FinalizeSync(ctx, source.Key, syncedAt, fetched.ETag, len(stored)); err != nil {
		return merge.Outcome{}, fmt.Errorf("finalizing sync: %w", err)
	}
	finalized = true

	logger.Infow("synced query", "query", source.Key,
		"inserted", out.Inserted, "updated", out.Updated, "deleted", out.Deleted,
		"records", len(stored))
	stats.Record(ctx, mSyncSuccess.M(1),
		mRecordsInserted.M(int64(out.Inserted)),
		mRecordsUpdated.M(int64(out.Updated)),
		mRecordsDeleted.M(int64(out.Deleted)))
	return out, nil
}

// localResult reads the stored records for already-loaded metadata.
func (c *Coordinator) localResult(ctx context.Context, meta *model.QueryMetadata) (*Result, error) {
	recs, err := c.store.List(ctx, meta.QueryKey)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	return &Result{Records: recs, Metadata: meta}, nil
}

// resolveLocal re-reads metadata and records after a refresh.
func (c *Coordinator) resolveLocal(ctx context.Context, queryKey string) (*Result, error) {
	meta, err := c.metadb.Metadata(ctx, queryKey)
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	return c.localResult(ctx, meta)
}

func refreshCallKey(queryKey string) string {
	return "refresh/" + queryKey
}
