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

package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/localsync/localsync-server/pkg/logging"

	"contrib.go.opencensus.io/exporter/prometheus"
	"go.opencensus.io/stats/view"
)

var _ Exporter = (*prometheusExporter)(nil)

type prometheusExporter struct {
	exporter *prometheus.Exporter
	config   *PrometheusConfig
	srv      *http.Server
}

// NewPrometheus creates a new metrics exporter that serves a Prometheus
// scrape endpoint on the configured metrics port.
func NewPrometheus(_ context.Context, config *PrometheusConfig) (Exporter, error) {
	exporter, err := prometheus.NewExporter(prometheus.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	return &prometheusExporter{exporter: exporter, config: config}, nil
}

// StartExporter starts the exporter and the scrape endpoint.
func (e *prometheusExporter) StartExporter(ctx context.Context) error {
	view.RegisterExporter(e.exporter)

	for _, v := range AllViews() {
		if err := view.Register(v); err != nil {
			return fmt.Errorf("failed to start prometheus exporter: view registration failed: %w", err)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", e.exporter)
	e.srv = &http.Server{
		Addr:    ":" + e.config.Port,
		Handler: mux,
	}

	logger := logging.FromContext(ctx)
	go func() {
		if err := e.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// The scrape endpoint failing is not fatal to the service.
			logger.Errorf("prometheus metrics server error: %v", err)
		}
	}()

	return nil
}

// Close halts the exporter and the scrape endpoint.
func (e *prometheusExporter) Close() error {
	view.UnregisterExporter(e.exporter)

	if e.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown metrics server: %w", err)
		}
	}
	return nil
}
