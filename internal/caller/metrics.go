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

package caller

import (
	"github.com/localsync/localsync-server/internal/metrics"
	"github.com/localsync/localsync-server/pkg/observability"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
)

const metricPrefix = metrics.MetricRoot + "caller"

var (
	mCacheHit     = stats.Int64(metricPrefix+"/cache_hit", "response cache hits", stats.UnitDimensionless)
	mCacheMiss    = stats.Int64(metricPrefix+"/cache_miss", "response cache misses", stats.UnitDimensionless)
	mCallAttempts = stats.Int64(metricPrefix+"/call_attempts", "operation executions including retries", stats.UnitDimensionless)
	mCallFailures = stats.Int64(metricPrefix+"/call_failures", "operations that exhausted their retry budget", stats.UnitDimensionless)
)

func init() {
	observability.CollectViews([]*view.View{
		{
			Name:        metricPrefix + "/cache_hit_count",
			Description: "Total count of response cache hits",
			Measure:     mCacheHit,
			Aggregation: view.Count(),
		},
		{
			Name:        metricPrefix + "/cache_miss_count",
			Description: "Total count of response cache misses",
			Measure:     mCacheMiss,
			Aggregation: view.Count(),
		},
		{
			Name:        metricPrefix + "/call_attempts_count",
			Description: "Total count of operation executions",
			Measure:     mCallAttempts,
			Aggregation: view.Count(),
		},
		{
			Name:        metricPrefix + "/call_failures_count",
			Description: "Total count of failed operations",
			Measure:     mCallFailures,
			Aggregation: view.Count(),
		},
	}...)
}
