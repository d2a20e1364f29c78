// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mobiletoly/scoresync/remote"
)

// Routes returns the backend HTTP mux. When a JWT secret is configured,
// every endpoint except the health probe requires a bearer token; the probe
// stays open so clients can distinguish "unauthorized" from "offline".
func (s *Service) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/upsert", s.authenticated(s.HandleUpsert))
	mux.HandleFunc("GET /v1/match/{id}", s.authenticated(s.HandleFetchMatch))
	mux.HandleFunc("GET /v1/feed", s.authenticated(s.HandleFeed))
	mux.HandleFunc("GET /v1/healthz", s.HandleHealthz)
	return mux
}

func (s *Service) authenticated(next http.HandlerFunc) http.HandlerFunc {
	if s.config.JWTSecret == "" {
		return next
	}
	auth := NewJWTAuth(s.config.JWTSecret)
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := auth.Authenticate(r); err != nil {
			s.logger.Debug("Rejected unauthenticated request",
				slog.String("path", r.URL.Path), slog.Any("error", err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// HandleUpsert applies one idempotent write submitted by a device's outbox.
func (s *Service) HandleUpsert(w http.ResponseWriter, r *http.Request) {
	var req remote.UpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	resp, err := s.Apply(r.Context(), &req)
	if err != nil {
		if isValidationError(err) {
			s.logger.Debug("Rejected upsert",
				slog.String("resource", string(req.Resource)), slog.Any("error", err))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("Upsert failed",
			slog.String("resource", string(req.Resource)), slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleFetchMatch serves the consolidated document for one match.
func (s *Service) HandleFetchMatch(w http.ResponseWriter, r *http.Request) {
	matchID := r.PathValue("id")
	if matchID == "" {
		http.Error(w, "match id required", http.StatusBadRequest)
		return
	}
	match, err := s.FetchMatch(r.Context(), matchID)
	if err != nil {
		if errors.Is(err, ErrMatchNotFound) {
			http.Error(w, "match not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Match fetch failed",
			slog.String("match", matchID), slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, match)
}

// HandleHealthz answers the connectivity probe: 200 when the sync schema is
// ready, 503 when the database is reachable but not configured.
func (s *Service) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	ready, err := s.schemaReady(r.Context())
	if err != nil {
		s.logger.Error("Health probe failed", slog.Any("error", err))
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	if !ready {
		http.Error(w, "sync schema not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// isValidationError separates malformed payloads (client bug, 400) from
// infrastructure failures (500).
func isValidationError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "failed to parse") ||
		strings.Contains(msg, "has no externalId") ||
		strings.Contains(msg, "has no sequence number") ||
		strings.Contains(msg, "unknown resource")
}
