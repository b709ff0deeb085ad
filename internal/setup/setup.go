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

// Package setup provides common logic for configuring the various services.
package setup

import (
	"context"
	"fmt"

	"github.com/localsync/localsync-server/internal/database"
	"github.com/localsync/localsync-server/internal/serverenv"
	"github.com/localsync/localsync-server/pkg/logging"
	"github.com/localsync/localsync-server/pkg/observability"

	"github.com/sethvargo/go-envconfig"
)

// DatabaseConfigProvider ensures that the environment config can provide a
// database config.
type DatabaseConfigProvider interface {
	DatabaseConfig() *database.Config
}

// ObservabilityExporterConfigProvider signals that the config provides an
// observability exporter config.
type ObservabilityExporterConfigProvider interface {
	ObservabilityExporterConfig() *observability.Config
}

// Setup processes the given configuration from the environment and builds a
// server environment with the resources the config asks for.
func Setup(ctx context.Context, config interface{}) (*serverenv.ServerEnv, error) {
	return SetupWith(ctx, config, envconfig.OsLookuper())
}

// SetupWith is like Setup, but accepts a custom variable lookuper.
func SetupWith(ctx context.Context, config interface{}, l envconfig.Lookuper) (*serverenv.ServerEnv, error) {
	logger := logging.FromContext(ctx)

	if err := envconfig.ProcessWith(ctx, config, l); err != nil {
		return nil, fmt.Errorf("error loading environment variables: %w", err)
	}
	logger.Infow("provided", "config", config)

	serverEnvOpts := []serverenv.Option{}

	// Configure and initialize the observability exporter.
	if provider, ok := config.(ObservabilityExporterConfigProvider); ok {
		logger.Info("configuring observability exporter")
		oeConfig := provider.ObservabilityExporterConfig()
		oe, err := observability.NewFromEnv(oeConfig)
		if err != nil {
			return nil, fmt.Errorf("unable to create observability provider: %w", err)
		}
		if err := oe.StartExporter(ctx); err != nil {
			return nil, fmt.Errorf("error initializing observability exporter: %w", err)
		}
		serverEnvOpts = append(serverEnvOpts, serverenv.WithObservabilityExporter(oe))
		logger.Infow("observability exporter", "config", oeConfig)
	}

	// Setup the database connection.
	if provider, ok := config.(DatabaseConfigProvider); ok {
		logger.Info("configuring database")
		dbConfig := provider.DatabaseConfig()
		db, err := database.New(ctx, dbConfig)
		if err != nil {
			return nil, fmt.Errorf("unable to connect to database: %w", err)
		}
		serverEnvOpts = append(serverEnvOpts, serverenv.WithDatabase(db))
		logger.Infow("database", "config", dbConfig)
	}

	return serverenv.New(ctx, serverEnvOpts...), nil
}
