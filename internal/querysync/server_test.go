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

package querysync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/localsync/localsync-server/internal/database"
	"github.com/localsync/localsync-server/internal/project"
	"github.com/localsync/localsync-server/internal/querysync/model"
	"github.com/localsync/localsync-server/internal/records"
	"github.com/localsync/localsync-server/internal/serverenv"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/mux"
)

func testServer(tb testing.TB, c *Coordinator) *mux.Router {
	tb.Helper()

	ctx := project.TestContext(tb)
	env := serverenv.New(ctx, serverenv.WithDatabase(&database.DB{}))

	srv, err := NewServer(&Config{}, env, c)
	if err != nil {
		tb.Fatal(err)
	}
	return srv.Routes(ctx)
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	c := New(newMemMetadataStore(), records.NewMemoryStore())
	router := testServer(t, c)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestHandleResolve(t *testing.T) {
	t.Parallel()

	store := records.NewMemoryStore()
	c := New(newMemMetadataStore(), store)
	c.Register(&model.QuerySource{
		Key:    "orders",
		Policy: model.NetworkFirst(false),
		Fetch: func(ctx context.Context, etag string) (*model.FetchResult, error) {
			return &model.FetchResult{
				Records:  []*records.Record{{ID: "a", Data: []byte(`{"total": 10}`)}},
				Complete: true,
			}, nil
		},
	})
	router := testServer(t, c)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/resolve/orders", nil)
	router.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var resp resolveResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.QueryKey != "orders" {
		t.Errorf("queryKey = %q, want orders", resp.QueryKey)
	}
	if resp.RecordCount != 1 {
		t.Errorf("recordCount = %d, want 1", resp.RecordCount)
	}
	want := []recordResponse{{ID: "a", Data: json.RawMessage(`{"total": 10}`)}}
	if diff := cmp.Diff(want, resp.Records); diff != "" {
		t.Errorf("records mismatch (-want, +got):\n%s", diff)
	}
	if resp.LastSyncedAt == nil {
		t.Error("lastSyncedAt missing after refresh")
	}
}

func TestHandleResolve_UnknownQuery(t *testing.T) {
	t.Parallel()

	c := New(newMemMetadataStore(), records.NewMemoryStore())
	router := testServer(t, c)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/resolve/missing", nil)
	router.ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHandleRefreshAndStale(t *testing.T) {
	t.Parallel()

	c := New(newMemMetadataStore(), records.NewMemoryStore())
	c.Register(&model.QuerySource{
		Key:    "orders",
		Policy: model.CacheFirst(time.Hour),
		Fetch: func(ctx context.Context, etag string) (*model.FetchResult, error) {
			return &model.FetchResult{Complete: true}, nil
		},
	})
	router := testServer(t, c)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/refresh/orders", nil)
	router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, want 200: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/stale/orders", nil)
	router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("stale status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var resp staleResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Stale {
		t.Error("stale = true immediately after refresh, want false")
	}
	if resp.TimeUntilStale == "" {
		t.Error("timeUntilStale missing for fresh query")
	}
}

func TestHandleInvalidate(t *testing.T) {
	t.Parallel()

	c := New(newMemMetadataStore(), records.NewMemoryStore())
	c.Register(&model.QuerySource{
		Key:    "orders",
		Policy: model.CacheFirst(time.Hour),
		Fetch: func(ctx context.Context, etag string) (*model.FetchResult, error) {
			return &model.FetchResult{Complete: true}, nil
		},
	})
	router := testServer(t, c)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/refresh/orders", nil)
	router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/invalidate/orders", nil)
	router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("invalidate status = %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/stale/orders", nil)
	router.ServeHTTP(w, r)
	var resp staleResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Stale {
		t.Error("stale = false after invalidate, want true")
	}
}
