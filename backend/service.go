// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package backend is a self-hostable implementation of the remote contract:
// idempotent row upsert keyed by externalId, a consolidated per-match fetch,
// a health probe that distinguishes "reachable but not configured" from
// genuine failure, and a change feed filtered by match.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ServiceConfig holds backend tuning.
type ServiceConfig struct {
	InitSchema bool   // create tables at startup
	JWTSecret  string // empty disables auth (trusted networks)
}

// Service owns the Postgres state and the change-feed hub.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config ServiceConfig
	feed   *feedHub
}

// NewService creates the backend service, optionally initializing the
// schema.
func NewService(ctx context.Context, pool *pgxpool.Pool, config ServiceConfig, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		pool:   pool,
		logger: logger,
		config: config,
		feed:   newFeedHub(),
	}
	if config.InitSchema {
		if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			return initializeSchemaInTx(ctx, tx)
		}); err != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
		logger.Debug("Backend schema initialized")
	}
	return s, nil
}

func initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS scoresync`,

		`CREATE TABLE IF NOT EXISTS scoresync.teams (
			external_id TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			short_name  TEXT NOT NULL DEFAULT '',
			color       TEXT NOT NULL DEFAULT '',
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS scoresync.players (
			external_id      TEXT PRIMARY KEY,
			team_external_id TEXT,
			number           INT NOT NULL DEFAULT 0,
			first_name       TEXT NOT NULL DEFAULT '',
			last_name        TEXT NOT NULL DEFAULT '',
			dob              TEXT NOT NULL DEFAULT '',
			captain          BOOLEAN NOT NULL DEFAULT FALSE,
			libero           BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS scoresync.matches (
			external_id           TEXT PRIMARY KEY,
			home_team_external_id TEXT,
			away_team_external_id TEXT,
			status                TEXT NOT NULL DEFAULT 'setup',
			coin_toss             JSON,
			pins                  JSON,
			pending_rosters       JSON,
			signatures            JSON,
			heartbeats            JSON,
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS scoresync.sets (
			match_external_id TEXT NOT NULL,
			set_index         INT NOT NULL,
			home_points       INT NOT NULL DEFAULT 0,
			away_points       INT NOT NULL DEFAULT 0,
			finished          BOOLEAN NOT NULL DEFAULT FALSE,
			lineup            JSON,
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (match_external_id, set_index)
		)`,

		// Append-only history keyed by the (match, seq) natural key, which
		// makes event redelivery a no-op.
		`CREATE TABLE IF NOT EXISTS scoresync.events (
			match_external_id TEXT NOT NULL,
			seq               BIGINT NOT NULL,
			set_index         INT NOT NULL,
			type              TEXT NOT NULL,
			payload           JSON,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (match_external_id, seq)
		)`,

		`CREATE TABLE IF NOT EXISTS scoresync.officials (
			match_external_id TEXT NOT NULL,
			role              TEXT NOT NULL,
			name              TEXT NOT NULL DEFAULT '',
			image             TEXT NOT NULL DEFAULT '',
			signed_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (match_external_id, role)
		)`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// schemaReady reports whether the sync tables exist, for the health probe.
func (s *Service) schemaReady(ctx context.Context) (bool, error) {
	var ready bool
	err := s.pool.QueryRow(ctx,
		`SELECT to_regclass('scoresync.matches') IS NOT NULL`).Scan(&ready)
	if err != nil {
		return false, err
	}
	return ready, nil
}

// notifyMatch publishes a change signal for the match over LISTEN/NOTIFY so
// every backend instance's feed subscribers hear it.
func (s *Service) notifyMatch(ctx context.Context, tx pgx.Tx, matchExternalID string) error {
	if matchExternalID == "" {
		return nil
	}
	_, err := tx.Exec(ctx, `SELECT pg_notify('match_changed', $1)`, matchExternalID)
	if err != nil {
		return fmt.Errorf("failed to notify match change: %w", err)
	}
	return nil
}

// ConsolidatedMatch is the full refetch document for one match.
type ConsolidatedMatch struct {
	Match       json.RawMessage   `json:"match"`
	HomeTeam    json.RawMessage   `json:"homeTeam,omitempty"`
	AwayTeam    json.RawMessage   `json:"awayTeam,omitempty"`
	HomePlayers []json.RawMessage `json:"homePlayers"`
	AwayPlayers []json.RawMessage `json:"awayPlayers"`
	Sets        []json.RawMessage `json:"sets"`
	Events      []json.RawMessage `json:"events"`
}
