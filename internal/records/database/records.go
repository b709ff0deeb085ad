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

// Package database is a Postgres implementation of record storage.
package database

import (
	"context"
	"fmt"

	"github.com/localsync/localsync-server/internal/database"
	"github.com/localsync/localsync-server/internal/records"

	pgx "github.com/jackc/pgx/v4"
)

// RecordsDB implements records.Store on Postgres.
type RecordsDB struct {
	db *database.DB
}

// New creates a RecordsDB backed by the given database.
func New(db *database.DB) *RecordsDB {
	return &RecordsDB{db: db}
}

// List returns all records for the given query key, sorted by record ID.
func (db *RecordsDB) List(ctx context.Context, queryKey string) ([]*records.Record, error) {
	var result []*records.Record

	if err := db.db.InTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT
				record_id, data
			FROM
				QueryRecords
			WHERE
				query_key = $1
			ORDER BY record_id ASC
		`, queryKey)
		if err != nil {
			return fmt.Errorf("listing records: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var r records.Record
			if err := rows.Scan(&r.ID, &r.Data); err != nil {
				return fmt.Errorf("scanning record: %w", err)
			}
			result = append(result, &r)
		}
		return rows.Err()
	}); err != nil {
		return nil, err
	}

	if result == nil {
		result = []*records.Record{}
	}
	return result, nil
}

// Replace atomically swaps the stored result set for the query key.
func (db *RecordsDB) Replace(ctx context.Context, queryKey string, recs []*records.Record) error {
	return db.db.InTx(ctx, pgx.Serializable, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM QueryRecords WHERE query_key = $1
		`, queryKey); err != nil {
			return fmt.Errorf("deleting records: %w", err)
		}

		for _, r := range recs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO
					QueryRecords (query_key, record_id, data)
				VALUES
					($1, $2, $3)
			`, queryKey, r.ID, r.Data); err != nil {
				return fmt.Errorf("inserting record %q: %w", r.ID, err)
			}
		}
		return nil
	})
}

// ApplyDiff upserts and deletes records atomically within the query key.
func (db *RecordsDB) ApplyDiff(ctx context.Context, queryKey string, upserts []*records.Record, deleteIDs []string) error {
	return db.db.InTx(ctx, pgx.Serializable, func(tx pgx.Tx) error {
		for _, r := range upserts {
			if _, err := tx.Exec(ctx, `
				INSERT INTO
					QueryRecords (query_key, record_id, data)
				VALUES
					($1, $2, $3)
				ON CONFLICT (query_key, record_id) DO UPDATE
					SET data = $3
			`, queryKey, r.ID, r.Data); err != nil {
				return fmt.Errorf("upserting record %q: %w", r.ID, err)
			}
		}

		for _, id := range deleteIDs {
			if _, err := tx.Exec(ctx, `
				DELETE FROM QueryRecords WHERE query_key = $1 AND record_id = $2
			`, queryKey, id); err != nil {
				return fmt.Errorf("deleting record %q: %w", id, err)
			}
		}
		return nil
	})
}
