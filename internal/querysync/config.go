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
	"time"

	"github.com/localsync/localsync-server/internal/database"
	"github.com/localsync/localsync-server/pkg/observability"
)

// Config is the sync server configuration, loaded from the environment.
type Config struct {
	Database              database.Config
	ObservabilityExporter observability.Config

	Port string `env:"PORT, default=8080"`

	// StuckSyncTTL is how old a held sync claim must be before another
	// process may steal it.
	StuckSyncTTL time.Duration `env:"STUCK_SYNC_TTL, default=5m"`

	// RefreshTimeout bounds a single refresh, including retries.
	RefreshTimeout time.Duration `env:"REFRESH_TIMEOUT, default=10m"`

	// MaxConcurrentRefreshes bounds RefreshAll parallelism.
	MaxConcurrentRefreshes int64 `env:"MAX_CONCURRENT_REFRESHES, default=4"`

	// Sources is a JSON array of source specs to register at startup. See
	// SourceSpec.
	Sources string `env:"QUERY_SOURCES"`
}

// DatabaseConfig satisfies the setup provider interface.
func (c *Config) DatabaseConfig() *database.Config {
	return &c.Database
}

// ObservabilityExporterConfig satisfies the setup provider interface.
func (c *Config) ObservabilityExporterConfig() *observability.Config {
	return &c.ObservabilityExporter
}
