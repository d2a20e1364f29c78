// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveMatch inserts or updates a match row.
func (s *Store) SaveMatch(ctx context.Context, match *Match) error {
	now := time.Now()
	if match.ID == "" {
		match.ID = uuid.New().String()
		match.CreatedAt = now
	}
	if match.ExternalID == "" {
		match.ExternalID = uuid.New().String()
	}
	if match.Status == "" {
		match.Status = MatchSetup
	}
	match.UpdatedAt = now

	return s.WithTx(ctx, []string{"matches"}, func(tx *sql.Tx) error {
		return UpsertMatchTx(ctx, tx, match)
	})
}

func UpsertMatchTx(ctx context.Context, tx *sql.Tx, match *Match) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO matches (id, external_id, home_team_id, away_team_id, status,
			coin_toss, pins, pending_rosters, signatures, heartbeats, origin,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			coin_toss = excluded.coin_toss,
			pins = excluded.pins,
			pending_rosters = excluded.pending_rosters,
			signatures = excluded.signatures,
			heartbeats = excluded.heartbeats,
			origin = excluded.origin,
			updated_at = excluded.updated_at
	`, match.ID, match.ExternalID, match.HomeTeamID, match.AwayTeamID, match.Status,
		nullableJSON(match.CoinToss), nullableJSON(match.Pins),
		nullableJSON(match.PendingRosters), nullableJSON(match.Signatures),
		nullableJSON(match.Heartbeats), match.Origin,
		formatTime(match.CreatedAt), formatTime(match.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert match %s: %w", match.ID, err)
	}
	return nil
}

// GetMatchTx reads a match inside an existing transaction.
func GetMatchTx(ctx context.Context, tx *sql.Tx, id string) (*Match, error) {
	row := tx.QueryRowContext(ctx, matchSelect+` WHERE id = ?`, id)
	return scanMatch(row)
}

// GetMatch returns the match with the given local id.
func (s *Store) GetMatch(ctx context.Context, id string) (*Match, error) {
	row := s.db.QueryRowContext(ctx, matchSelect+` WHERE id = ?`, id)
	return scanMatch(row)
}

// MatchByExternalID returns the match correlated with a remote id, or
// sql.ErrNoRows wrapped if no local match carries it.
func (s *Store) MatchByExternalID(ctx context.Context, externalID string) (*Match, error) {
	row := s.db.QueryRowContext(ctx, matchSelect+` WHERE external_id = ?`, externalID)
	return scanMatch(row)
}

// ListMatches returns all matches, newest first.
func (s *Store) ListMatches(ctx context.Context) ([]Match, error) {
	rows, err := s.db.QueryContext(ctx, matchSelect+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query matches: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, *m)
	}
	return matches, rows.Err()
}

const matchSelect = `
	SELECT id, external_id, home_team_id, away_team_id, status,
		coin_toss, pins, pending_rosters, signatures, heartbeats, origin,
		created_at, updated_at
	FROM matches`

func scanMatch(row rowScanner) (*Match, error) {
	var m Match
	var coinToss, pins, pendingRosters, signatures, heartbeats sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&m.ID, &m.ExternalID, &m.HomeTeamID, &m.AwayTeamID, &m.Status,
		&coinToss, &pins, &pendingRosters, &signatures, &heartbeats, &m.Origin,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan match: %w", err)
	}
	m.CoinToss = rawJSON(coinToss)
	m.Pins = rawJSON(pins)
	m.PendingRosters = rawJSON(pendingRosters)
	m.Signatures = rawJSON(signatures)
	m.Heartbeats = rawJSON(heartbeats)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawJSON(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}
