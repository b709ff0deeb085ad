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
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/localsync/localsync-server/internal/middleware"
	syncdb "github.com/localsync/localsync-server/internal/querysync/database"
	"github.com/localsync/localsync-server/internal/serverenv"
	"github.com/localsync/localsync-server/pkg/logging"

	"github.com/gorilla/mux"
)

// Server is the HTTP surface over a Coordinator.
type Server struct {
	config      *Config
	env         *serverenv.ServerEnv
	coordinator *Coordinator
}

// NewServer makes a Server from the provided parameters.
func NewServer(config *Config, env *serverenv.ServerEnv, coordinator *Coordinator) (*Server, error) {
	if env.Database() == nil {
		return nil, fmt.Errorf("missing database in server environment")
	}
	return &Server{
		config:      config,
		env:         env,
		coordinator: coordinator,
	}, nil
}

// Routes defines and returns the routes for this server.
func (s *Server) Routes(ctx context.Context) *mux.Router {
	logger := logging.FromContext(ctx)

	r := mux.NewRouter()
	r.Use(middleware.PopulateRequestID())
	r.Use(middleware.PopulateLogger(logger))

	r.Handle("/health", s.handleHealth()).Methods(http.MethodGet)
	r.Handle("/resolve/{query}", s.handleResolve()).Methods(http.MethodGet)
	r.Handle("/stale/{query}", s.handleStale()).Methods(http.MethodGet)
	r.Handle("/refresh/{query}", s.handleRefresh()).Methods(http.MethodPost)
	r.Handle("/refresh", s.handleRefreshAll()).Methods(http.MethodPost)
	r.Handle("/invalidate/{query}", s.handleInvalidate()).Methods(http.MethodPost)

	return r
}

type recordResponse struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

type resolveResponse struct {
	QueryKey     string           `json:"queryKey"`
	Records      []recordResponse `json:"records"`
	LastSyncedAt *time.Time       `json:"lastSyncedAt,omitempty"`
	RecordCount  int              `json:"recordCount"`
	Refreshing   bool             `json:"refreshing,omitempty"`
}

type staleResponse struct {
	QueryKey       string `json:"queryKey"`
	Stale          bool   `json:"stale"`
	TimeUntilStale string `json:"timeUntilStale,omitempty"`
}

func (s *Server) handleHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status": "ok"}`)
	})
}

func (s *Server) handleResolve() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		queryKey := mux.Vars(r)["query"]

		result, err := s.coordinator.ResolveKey(ctx, queryKey)
		if err != nil {
			if errors.Is(err, ErrUnknownQuery) {
				s.respondError(w, r, http.StatusNotFound, err)
				return
			}
			s.respondError(w, r, http.StatusBadGateway, err)
			return
		}

		resp := resolveResponse{
			QueryKey:     queryKey,
			Records:      make([]recordResponse, 0, len(result.Records)),
			LastSyncedAt: result.Metadata.LastSyncedAt,
			RecordCount:  len(result.Records),
			Refreshing:   result.Refreshing,
		}
		for _, rec := range result.Records {
			resp.Records = append(resp.Records, recordResponse{ID: rec.ID, Data: rec.Data})
		}
		s.respondJSON(w, r, http.StatusOK, resp)
	})
}

func (s *Server) handleStale() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		queryKey := mux.Vars(r)["query"]

		d, known, err := s.coordinator.TimeUntilStale(ctx, queryKey)
		if err != nil {
			if errors.Is(err, ErrUnknownQuery) {
				s.respondError(w, r, http.StatusNotFound, err)
				return
			}
			s.respondError(w, r, http.StatusInternalServerError, err)
			return
		}

		resp := staleResponse{QueryKey: queryKey, Stale: !known}
		if known {
			resp.TimeUntilStale = d.String()
		}
		s.respondJSON(w, r, http.StatusOK, resp)
	})
}

func (s *Server) handleRefresh() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		queryKey := mux.Vars(r)["query"]

		if err := s.coordinator.Refresh(ctx, queryKey); err != nil {
			switch {
			case errors.Is(err, ErrUnknownQuery):
				s.respondError(w, r, http.StatusNotFound, err)
			case errors.Is(err, syncdb.ErrSyncInProgress):
				s.respondError(w, r, http.StatusConflict, err)
			default:
				s.respondError(w, r, http.StatusBadGateway, err)
			}
			return
		}
		s.respondJSON(w, r, http.StatusOK, map[string]string{"status": "refreshed"})
	})
}

func (s *Server) handleRefreshAll() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if err := s.coordinator.RefreshAll(ctx); err != nil {
			s.respondError(w, r, http.StatusBadGateway, err)
			return
		}
		s.respondJSON(w, r, http.StatusOK, map[string]string{"status": "refreshed"})
	})
}

func (s *Server) handleInvalidate() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		queryKey := mux.Vars(r)["query"]

		if err := s.coordinator.Invalidate(ctx, queryKey); err != nil {
			s.respondError(w, r, http.StatusInternalServerError, err)
			return
		}
		s.respondJSON(w, r, http.StatusOK, map[string]string{"status": "invalidated"})
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	logger := logging.FromContext(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorw("failed to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, err error) {
	logger := logging.FromContext(r.Context())
	logger.Warnw("request failed", "status", status, "error", err)

	s.respondJSON(w, r, status, map[string]string{"error": err.Error()})
}
