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

// This package is the service that coordinates query resolution and sync.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/localsync/localsync-server/internal/buildinfo"
	"github.com/localsync/localsync-server/internal/querysync"
	syncdb "github.com/localsync/localsync-server/internal/querysync/database"
	recordsdb "github.com/localsync/localsync-server/internal/records/database"
	"github.com/localsync/localsync-server/internal/server"
	"github.com/localsync/localsync-server/internal/setup"
	"github.com/localsync/localsync-server/pkg/logging"
)

func main() {
	ctx, done := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	logger := logging.NewLoggerFromEnv().
		With("build_id", buildinfo.SyncServer.ID()).
		With("build_tag", buildinfo.SyncServer.Tag())
	ctx = logging.WithLogger(ctx, logger)

	defer func() {
		done()
		if r := recover(); r != nil {
			logger.Fatalw("application panic", "panic", r)
		}
	}()

	err := realMain(ctx)
	done()

	if err != nil {
		logger.Fatal(err)
	}
	logger.Info("successful shutdown")
}

func realMain(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	var config querysync.Config
	env, err := setup.Setup(ctx, &config)
	if err != nil {
		return fmt.Errorf("setup.Setup: %w", err)
	}
	defer env.Close(context.Background())

	db := env.Database()

	coordinator := querysync.New(syncdb.New(db), recordsdb.New(db),
		querysync.WithStuckSyncTTL(config.StuckSyncTTL),
		querysync.WithRefreshTimeout(config.RefreshTimeout),
		querysync.WithMaxConcurrentRefreshes(config.MaxConcurrentRefreshes))

	if config.Sources != "" {
		specs, err := querysync.ParseSourceSpecs(config.Sources)
		if err != nil {
			return fmt.Errorf("parsing sources: %w", err)
		}
		sources, err := querysync.BuildSources(specs)
		if err != nil {
			return fmt.Errorf("building sources: %w", err)
		}
		for _, source := range sources {
			coordinator.Register(source)
		}
		logger.Infow("registered sources", "count", len(sources))
	}

	querysyncServer, err := querysync.NewServer(&config, env, coordinator)
	if err != nil {
		return fmt.Errorf("querysync.NewServer: %w", err)
	}

	srv := server.New(config.Port, querysyncServer.Routes(ctx))
	logger.Infof("listening on :%s", config.Port)

	return srv.ServeUntil(ctx)
}
