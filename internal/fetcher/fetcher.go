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

// Package fetcher retrieves remote query results over HTTP.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/localsync/localsync-server/internal/querysync/model"
	"github.com/localsync/localsync-server/internal/records"
	"github.com/localsync/localsync-server/pkg/retry"
)

const (
	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 64 << 20 // 64 MiB

	fetchTimeout = 60 * time.Second
)

// JSONFetcher fetches a JSON array of records from a fixed URL. Responses
// carry validators via the standard ETag / If-None-Match headers.
type JSONFetcher struct {
	client *http.Client
	url    string
}

// NewJSON creates a JSONFetcher for the given URL. A nil client uses a
// default with a sane timeout.
func NewJSON(client *http.Client, url string) *JSONFetcher {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &JSONFetcher{client: client, url: url}
}

// remoteRecord is the wire shape of one record.
type remoteRecord struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Fetch retrieves the remote result set, presenting etag for conditional
// requests. It satisfies model.RemoteFetchFunc.
func (f *JSONFetcher) Fetch(ctx context.Context, etag string) (*model.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", f.url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return &model.FetchResult{NotModified: true}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// Fall through to parse the body.

	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		// Client errors will not get better on retry.
		return nil, retry.MarkFatal(fmt.Errorf("fetching %s: unexpected status %d", f.url, resp.StatusCode))

	default:
		return nil, fmt.Errorf("fetching %s: unexpected status %d", f.url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var remote []remoteRecord
	if err := json.Unmarshal(body, &remote); err != nil {
		return nil, retry.MarkFatal(fmt.Errorf("parsing response: %w", err))
	}

	result := &model.FetchResult{
		Records:  make([]*records.Record, 0, len(remote)),
		Complete: true,
	}
	for _, r := range remote {
		result.Records = append(result.Records, &records.Record{ID: r.ID, Data: r.Data})
	}
	if v := resp.Header.Get("ETag"); v != "" {
		result.ETag = &v
	}
	return result, nil
}
