// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package httpapi exposes the decision service over HTTP: the evaluate
// endpoint, the audit read surface, and the administrative catalogue.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/abac"
	"github.com/gatehouse/gatehouse/internal/abac/audit"
	"github.com/gatehouse/gatehouse/internal/abac/store"
)

// Server wires the HTTP routes to the decision engine and stores.
type Server struct {
	engine  *abac.Engine
	catalog *store.Postgres
	reader  audit.Reader
	http    *http.Server
}

// NewServer creates the API server. addr is the listen address.
func NewServer(addr string, engine *abac.Engine, catalog *store.Postgres, reader audit.Reader) *Server {
	s := &Server{
		engine:  engine,
		catalog: catalog,
		reader:  reader,
	}

	r := mux.NewRouter()
	r.Use(requestLogging)

	r.HandleFunc("/access/evaluate", s.handleEvaluate).Methods(http.MethodPost)

	r.HandleFunc("/audit/logs", s.handleAuditLogs).Methods(http.MethodGet)
	r.HandleFunc("/audit/statistics", s.handleAuditStatistics).Methods(http.MethodGet)
	r.HandleFunc("/audit/top-resources", s.handleTopResources).Methods(http.MethodGet)
	r.HandleFunc("/audit/top-subjects", s.handleTopSubjects).Methods(http.MethodGet)
	r.HandleFunc("/audit/denies-by-policy", s.handleDeniesByPolicy).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/policies", s.handleCreatePolicy).Methods(http.MethodPost)
	admin.HandleFunc("/policies/{id}", s.handleUpdatePolicy).Methods(http.MethodPut)
	admin.HandleFunc("/policies/{id}", s.handleDeletePolicy).Methods(http.MethodDelete)
	admin.HandleFunc("/schemas", s.handleCreateSchema).Methods(http.MethodPost)
	admin.HandleFunc("/schemas/{key}", s.handleDeleteSchema).Methods(http.MethodDelete)
	admin.HandleFunc("/actions", s.handleCreateAction).Methods(http.MethodPost)
	admin.HandleFunc("/subjects", s.handleCreateSubject).Methods(http.MethodPost)
	admin.HandleFunc("/resources", s.handleCreateResource).Methods(http.MethodPost)
	admin.HandleFunc("/subjects/{id}/attributes/{key}", s.handleAssignSubjectAttribute).Methods(http.MethodPut)
	admin.HandleFunc("/subjects/{id}/attributes/{key}", s.handleRemoveSubjectAttribute).Methods(http.MethodDelete)
	admin.HandleFunc("/resources/{id}/attributes/{key}", s.handleSetResourceAttribute).Methods(http.MethodPut)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe serves until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	slog.Info("api server started", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return oops.With("addr", s.http.Addr).Wrap(err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		return oops.With("operation", "shutdown api server").Wrap(err)
	}
	return nil
}

// requestLogging logs one line per request at debug level.
func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.DebugContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_us", time.Since(start).Microseconds())
	})
}

// writeJSON serializes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response body failed", "error", err)
	}
}

// decodeJSON parses the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return oops.Code("INVALID_REQUEST").Wrapf(err, "decoding request body")
	}
	return nil
}
