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

// Package merge reconciles fetched query results with stored records.
package merge

import (
	"bytes"
	"context"
	"fmt"

	"github.com/localsync/localsync-server/internal/records"

	"github.com/hashicorp/go-multierror"
)

// Outcome summarizes what a merge changed in the store.
type Outcome struct {
	Inserted int
	Updated  int
	Deleted  int
}

// Strategy reconciles a fetched result set with the records stored under
// queryKey. complete reports whether fetched represents the full remote
// result set, as opposed to a partial (delta) response.
type Strategy interface {
	Apply(ctx context.Context, store records.Store, queryKey string, fetched []*records.Record, complete bool) (Outcome, error)
}

type replaceStrategy struct{}

// Replace returns a strategy that discards the stored result set and replaces
// it wholesale with the fetched records.
func Replace() Strategy {
	return replaceStrategy{}
}

func (replaceStrategy) Apply(ctx context.Context, store records.Store, queryKey string, fetched []*records.Record, complete bool) (Outcome, error) {
	if err := validate(fetched); err != nil {
		return Outcome{}, err
	}

	existing, err := store.List(ctx, queryKey)
	if err != nil {
		return Outcome{}, fmt.Errorf("listing existing records: %w", err)
	}
	byID := indexByID(existing)

	var out Outcome
	for _, r := range fetched {
		prev, ok := byID[r.ID]
		switch {
		case !ok:
			out.Inserted++
		case !bytes.Equal(prev.Data, r.Data):
			out.Updated++
		}
		delete(byID, r.ID)
	}
	out.Deleted = len(byID)

	if err := store.Replace(ctx, queryKey, fetched); err != nil {
		return Outcome{}, fmt.Errorf("replacing records: %w", err)
	}
	return out, nil
}

type diffStrategy struct{}

// Diff returns a strategy that upserts fetched records by ID and deletes
// stored records missing from a complete fetch. Partial fetches never delete.
func Diff() Strategy {
	return diffStrategy{}
}

func (diffStrategy) Apply(ctx context.Context, store records.Store, queryKey string, fetched []*records.Record, complete bool) (Outcome, error) {
	if err := validate(fetched); err != nil {
		return Outcome{}, err
	}

	existing, err := store.List(ctx, queryKey)
	if err != nil {
		return Outcome{}, fmt.Errorf("listing existing records: %w", err)
	}
	byID := indexByID(existing)

	var out Outcome
	var upserts []*records.Record
	for _, r := range fetched {
		prev, ok := byID[r.ID]
		switch {
		case !ok:
			out.Inserted++
			upserts = append(upserts, r)
		case !bytes.Equal(prev.Data, r.Data):
			out.Updated++
			upserts = append(upserts, r)
		}
		delete(byID, r.ID)
	}

	// Records absent from the fetch are only deletions when the fetch is
	// known to be the complete result set.
	var deleteIDs []string
	if complete {
		for id := range byID {
			deleteIDs = append(deleteIDs, id)
		}
		out.Deleted = len(deleteIDs)
	}

	if len(upserts) == 0 && len(deleteIDs) == 0 {
		return out, nil
	}

	if err := store.ApplyDiff(ctx, queryKey, upserts, deleteIDs); err != nil {
		return Outcome{}, fmt.Errorf("applying diff: %w", err)
	}
	return out, nil
}

// validate rejects the whole batch before anything is written.
func validate(fetched []*records.Record) error {
	var merr *multierror.Error
	for i, r := range fetched {
		if r == nil {
			merr = multierror.Append(merr, fmt.Errorf("record at index %d is nil", i))
			continue
		}
		if r.ID == "" {
			merr = multierror.Append(merr, fmt.Errorf("record at index %d has empty ID", i))
		}
	}
	return merr.ErrorOrNil()
}

func indexByID(recs []*records.Record) map[string]*records.Record {
	m := make(map[string]*records.Record, len(recs))
	for _, r := range recs {
		m[r.ID] = r
	}
	return m
}
