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

// Package database persists query sync metadata.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/localsync/localsync-server/internal/database"
	"github.com/localsync/localsync-server/internal/querysync/model"

	pgx "github.com/jackc/pgx/v4"
)

// ErrSyncInProgress is returned by ClaimSync when another process holds the
// sync claim for the query and the claim is not stale.
var ErrSyncInProgress = errors.New("sync already in progress")

// QuerySyncDB provides database operations for query sync metadata.
type QuerySyncDB struct {
	db *database.DB
}

// New creates a QuerySyncDB backed by the given database.
func New(db *database.DB) *QuerySyncDB {
	return &QuerySyncDB{db: db}
}

// Metadata returns the sync metadata row for the query key, creating an empty
// row if none exists yet.
func (db *QuerySyncDB) Metadata(ctx context.Context, queryKey string) (*model.QueryMetadata, error) {
	var meta model.QueryMetadata

	if err := db.db.InTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO
				SyncQueryMetadata (query_key)
			VALUES
				($1)
			ON CONFLICT (query_key) DO NOTHING
		`, queryKey); err != nil {
			return fmt.Errorf("ensuring metadata row: %w", err)
		}

		row := tx.QueryRow(ctx, `
			SELECT
				query_key, last_synced_at, last_modified_at, etag, record_count, sync_in_progress
			FROM
				SyncQueryMetadata
			WHERE
				query_key = $1
		`, queryKey)
		return scanMetadata(row, &meta)
	}); err != nil {
		return nil, err
	}
	return &meta, nil
}

// ClaimSync marks the query as having a sync in progress. If another process
// already holds the claim, ErrSyncInProgress is returned, unless the claim is
// older than stuckTTL, in which case it is presumed abandoned and stolen.
func (db *QuerySyncDB) ClaimSync(ctx context.Context, queryKey string, stuckTTL time.Duration) error {
	return db.db.InTx(ctx, pgx.Serializable, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO
				SyncQueryMetadata (query_key)
			VALUES
				($1)
			ON CONFLICT (query_key) DO NOTHING
		`, queryKey); err != nil {
			return fmt.Errorf("ensuring metadata row: %w", err)
		}

		row := tx.QueryRow(ctx, `
			SELECT
				sync_in_progress, last_modified_at
			FROM
				SyncQueryMetadata
			WHERE
				query_key = $1
			FOR UPDATE
		`, queryKey)

		var inProgress bool
		var lastModified time.Time
		if err := row.Scan(&inProgress, &lastModified); err != nil {
			return fmt.Errorf("reading claim state: %w", err)
		}

		if inProgress && time.Since(lastModified) < stuckTTL {
			return ErrSyncInProgress
		}

		if _, err := tx.Exec(ctx, `
			UPDATE
				SyncQueryMetadata
			SET
				sync_in_progress = true, last_modified_at = now()
			WHERE
				query_key = $1
		`, queryKey); err != nil {
			return fmt.Errorf("claiming sync: %w", err)
		}
		return nil
	})
}

// ReleaseSync clears the in-progress flag without touching sync results. It
// is safe to call when the flag is already clear.
func (db *QuerySyncDB) ReleaseSync(ctx context.Context, queryKey string) error {
	return db.db.InTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE
				SyncQueryMetadata
			SET
				sync_in_progress = false, last_modified_at = now()
			WHERE
				query_key = $1 AND sync_in_progress = true
		`, queryKey); err != nil {
			return fmt.Errorf("releasing sync: %w", err)
		}
		return nil
	})
}

// FinalizeSync records a successful sync: it advances last_synced_at, stores
// the new validator and record count, and clears the in-progress flag.
func (db *QuerySyncDB) FinalizeSync(ctx context.Context, queryKey string, syncedAt time.Time, etag *string, recordCount int) error {
	return db.db.InTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE
				SyncQueryMetadata
			SET
				last_synced_at = $2,
				last_modified_at = now(),
				etag = $3,
				record_count = $4,
				sync_in_progress = false
			WHERE
				query_key = $1
		`, queryKey, syncedAt, etag, recordCount)
		if err != nil {
			return fmt.Errorf("finalizing sync: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return database.ErrNotFound
		}
		return nil
	})
}

// Invalidate clears the sync result for the query so the next resolve treats
// it as never synced. Stored records are not touched here.
func (db *QuerySyncDB) Invalidate(ctx context.Context, queryKey string) error {
	return db.db.InTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE
				SyncQueryMetadata
			SET
				last_synced_at = NULL,
				etag = NULL,
				last_modified_at = now()
			WHERE
				query_key = $1
		`, queryKey); err != nil {
			return fmt.Errorf("invalidating metadata: %w", err)
		}
		return nil
	})
}

// Purge removes the metadata row for the query key entirely.
func (db *QuerySyncDB) Purge(ctx context.Context, queryKey string) error {
	return db.db.InTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM SyncQueryMetadata WHERE query_key = $1
		`, queryKey); err != nil {
			return fmt.Errorf("purging metadata: %w", err)
		}
		return nil
	})
}

func scanMetadata(row pgx.Row, meta *model.QueryMetadata) error {
	if err := row.Scan(&meta.QueryKey, &meta.LastSyncedAt, &meta.LastModifiedAt,
		&meta.ETag, &meta.RecordCount, &meta.SyncInProgress); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return database.ErrNotFound
		}
		return fmt.Errorf("scanning metadata: %w", err)
	}
	return nil
}
