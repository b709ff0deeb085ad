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
	"encoding/json"
	"fmt"
	"time"

	"github.com/localsync/localsync-server/internal/fetcher"
	"github.com/localsync/localsync-server/internal/merge"
	"github.com/localsync/localsync-server/internal/querysync/model"
	"github.com/localsync/localsync-server/pkg/retry"

	"github.com/hashicorp/go-multierror"
)

// SourceSpec is the declarative form of a query source, loaded from
// configuration.
type SourceSpec struct {
	Key             string        `json:"key"`
	URL             string        `json:"url"`
	Mode            model.Mode    `json:"mode"`
	StaleAfter      time.Duration `json:"staleAfter"`
	FallbackToCache bool          `json:"fallbackToCache"`
	Merge           string        `json:"merge"`
	ResponseTTL     time.Duration `json:"responseTTL"`

	MaxRetries int           `json:"maxRetries"`
	BaseDelay  time.Duration `json:"baseDelay"`
	Multiplier float64       `json:"multiplier"`
	MaxDelay   time.Duration `json:"maxDelay"`
	Jitter     time.Duration `json:"jitter"`
}

// ParseSourceSpecs decodes a JSON array of source specs.
func ParseSourceSpecs(raw string) ([]SourceSpec, error) {
	var specs []SourceSpec
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		return nil, fmt.Errorf("parsing source specs: %w", err)
	}
	return specs, nil
}

// BuildSources turns specs into registerable sources with HTTP fetchers. All
// invalid specs are reported together.
func BuildSources(specs []SourceSpec) ([]*model.QuerySource, error) {
	var merr *multierror.Error
	sources := make([]*model.QuerySource, 0, len(specs))

	for i, spec := range specs {
		source, err := buildSource(spec)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("source %d: %w", i, err))
			continue
		}
		sources = append(sources, source)
	}

	if err := merr.ErrorOrNil(); err != nil {
		return nil, err
	}
	return sources, nil
}

func buildSource(spec SourceSpec) (*model.QuerySource, error) {
	if spec.Key == "" {
		return nil, fmt.Errorf("missing key")
	}

	var policy model.Policy
	switch spec.Mode {
	case model.ModeLocalOnly:
		policy = model.LocalOnly()
	case model.ModeStaleWhileRevalidate:
		policy = model.StaleWhileRevalidate(spec.StaleAfter)
	case model.ModeCacheFirst:
		policy = model.CacheFirst(spec.StaleAfter)
	case model.ModeNetworkFirst:
		policy = model.NetworkFirst(spec.FallbackToCache)
	default:
		return nil, fmt.Errorf("unknown mode %q", spec.Mode)
	}

	var strategy merge.Strategy
	switch spec.Merge {
	case "", "replace":
		strategy = merge.Replace()
	case "diff":
		strategy = merge.Diff()
	default:
		return nil, fmt.Errorf("unknown merge strategy %q", spec.Merge)
	}

	source := &model.QuerySource{
		Key:         spec.Key,
		Policy:      policy,
		Merge:       strategy,
		ResponseTTL: spec.ResponseTTL,
		Retry: retry.Policy{
			MaxRetries: spec.MaxRetries,
			BaseDelay:  spec.BaseDelay,
			Multiplier: spec.Multiplier,
			MaxDelay:   spec.MaxDelay,
			Jitter:     spec.Jitter,
		},
	}

	if policy.Mode != model.ModeLocalOnly {
		if spec.URL == "" {
			return nil, fmt.Errorf("mode %q requires a url", spec.Mode)
		}
		source.Fetch = fetcher.NewJSON(nil, spec.URL).Fetch
	}

	return source, nil
}
