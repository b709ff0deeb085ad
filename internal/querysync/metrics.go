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
	"github.com/localsync/localsync-server/internal/metrics"
	"github.com/localsync/localsync-server/pkg/observability"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
)

const metricPrefix = metrics.MetricRoot + "querysync"

var (
	mSyncSuccess       = stats.Int64(metricPrefix+"/sync_success", "successful syncs", stats.UnitDimensionless)
	mSyncFailure       = stats.Int64(metricPrefix+"/sync_failure", "failed sync attempts", stats.UnitDimensionless)
	mSyncNotModified   = stats.Int64(metricPrefix+"/sync_not_modified", "syncs where the source was unchanged", stats.UnitDimensionless)
	mRefreshCoalesced  = stats.Int64(metricPrefix+"/refresh_coalesced", "resolves that joined an existing refresh", stats.UnitDimensionless)
	mBackgroundRefresh = stats.Int64(metricPrefix+"/background_refresh", "refreshes started in the background", stats.UnitDimensionless)
	mFallbackServed    = stats.Int64(metricPrefix+"/fallback_served", "resolves served local data after a failed refresh", stats.UnitDimensionless)
	mRecordsInserted   = stats.Int64(metricPrefix+"/records_inserted", "records inserted by merges", stats.UnitDimensionless)
	mRecordsUpdated    = stats.Int64(metricPrefix+"/records_updated", "records updated by merges", stats.UnitDimensionless)
	mRecordsDeleted    = stats.Int64(metricPrefix+"/records_deleted", "records deleted by merges", stats.UnitDimensionless)
)

func init() {
	observability.CollectViews([]*view.View{
		{
			Name:        metricPrefix + "/sync_success_count",
			Description: "Total count of successful syncs",
			Measure:     mSyncSuccess,
			Aggregation: view.Count(),
		},
		{
			Name:        metricPrefix + "/sync_failure_count",
			Description: "Total count of failed sync attempts",
			Measure:     mSyncFailure,
			Aggregation: view.Count(),
		},
		{
			Name:        metricPrefix + "/sync_not_modified_count",
			Description: "Total count of unchanged syncs",
			Measure:     mSyncNotModified,
			Aggregation: view.Count(),
		},
		{
			Name:        metricPrefix + "/refresh_coalesced_count",
			Description: "Total count of coalesced refreshes",
			Measure:     mRefreshCoalesced,
			Aggregation: view.Count(),
		},
		{
			Name:        metricPrefix + "/background_refresh_count",
			Description: "Total count of background refreshes",
			Measure:     mBackgroundRefresh,
			Aggregation: view.Count(),
		},
		{
			Name:        metricPrefix + "/fallback_served_count",
			Description: "Total count of fallback responses",
			Measure:     mFallbackServed,
			Aggregation: view.Count(),
		},
		{
			Name:        metricPrefix + "/records_inserted_sum",
			Description: "Total records inserted by merges",
			Measure:     mRecordsInserted,
			Aggregation: view.Sum(),
		},
		{
			Name:        metricPrefix + "/records_updated_sum",
			Description: "Total records updated by merges",
			Measure:     mRecordsUpdated,
			Aggregation: view.Sum(),
		},
		{
			Name:        metricPrefix + "/records_deleted_sum",
			Description: "Total records deleted by merges",
			Measure:     mRecordsDeleted,
			Aggregation: view.Sum(),
		},
	}...)
}
