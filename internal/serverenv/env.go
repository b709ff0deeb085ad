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

// Package serverenv defines common parameters for the server environment.
package serverenv

import (
	"context"

	"github.com/localsync/localsync-server/internal/database"
	"github.com/localsync/localsync-server/pkg/observability"
)

// ServerEnv holds the shared resources of a running server.
type ServerEnv struct {
	database *database.DB
	exporter observability.Exporter
}

// Option defines server environment options.
type Option func(*ServerEnv) *ServerEnv

// New creates a new ServerEnv with the requested options.
func New(ctx context.Context, opts ...Option) *ServerEnv {
	env := &ServerEnv{}
	for _, f := range opts {
		env = f(env)
	}
	return env
}

// WithDatabase attaches a database to the environment.
func WithDatabase(db *database.DB) Option {
	return func(s *ServerEnv) *ServerEnv {
		s.database = db
		return s
	}
}

// WithObservabilityExporter attaches an observability exporter to the
// environment.
func WithObservabilityExporter(e observability.Exporter) Option {
	return func(s *ServerEnv) *ServerEnv {
		s.exporter = e
		return s
	}
}

// Database returns the environment's database, or nil.
func (s *ServerEnv) Database() *database.DB {
	return s.database
}

// ObservabilityExporter returns the environment's exporter, or nil.
func (s *ServerEnv) ObservabilityExporter() observability.Exporter {
	return s.exporter
}

// Close shuts down the server env, closing the attached resources.
func (s *ServerEnv) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}

	if s.database != nil {
		s.database.Close(ctx)
	}

	if s.exporter != nil {
		if err := s.exporter.Close(); err != nil {
			return err
		}
	}

	return nil
}
