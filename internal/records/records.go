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

// Package records defines storage of the result rows for synced queries.
package records

import (
	"context"
	"sort"
	"sync"
)

// Record is a single result row for a query, identified by ID within that
// query's result set. Data is an opaque serialized payload.
type Record struct {
	ID   string
	Data []byte
}

// Store persists query result sets keyed by query key.
type Store interface {
	// List returns all records for the given query key, sorted by ID. A
	// query key with no records returns an empty slice, not an error.
	List(ctx context.Context, queryKey string) ([]*Record, error)

	// Replace atomically replaces the full result set for the given query
	// key with the provided records.
	Replace(ctx context.Context, queryKey string, records []*Record) error

	// ApplyDiff upserts the given records and deletes the records with the
	// given IDs, atomically, within the given query key.
	ApplyDiff(ctx context.Context, queryKey string, upserts []*Record, deleteIDs []string) error
}

// MemoryStore is an in-memory Store implementation. It is safe for concurrent
// use.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]map[string]*Record),
	}
}

// List returns the records for queryKey sorted by ID.
func (s *MemoryStore) List(_ context.Context, queryKey string) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.data[queryKey]
	result := make([]*Record, 0, len(set))
	for _, r := range set {
		c := *r
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// Replace swaps the result set for queryKey with records.
func (s *MemoryStore) Replace(_ context.Context, queryKey string, records []*Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := make(map[string]*Record, len(records))
	for _, r := range records {
		c := *r
		set[c.ID] = &c
	}
	s.data[queryKey] = set
	return nil
}

// ApplyDiff upserts and deletes records for queryKey.
func (s *MemoryStore) ApplyDiff(_ context.Context, queryKey string, upserts []*Record, deleteIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.data[queryKey]
	if set == nil {
		set = make(map[string]*Record)
		s.data[queryKey] = set
	}
	for _, r := range upserts {
		c := *r
		set[c.ID] = &c
	}
	for _, id := range deleteIDs {
		delete(set, id)
	}
	return nil
}
