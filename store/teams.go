// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveTeam inserts or updates a team. A new team gets a local id and an
// externalId so it can be upserted idempotently on the backend before any
// sync has happened.
func (s *Store) SaveTeam(ctx context.Context, team *Team) error {
	now := time.Now()
	if team.ID == "" {
		team.ID = uuid.New().String()
		team.CreatedAt = now
	}
	if team.ExternalID == "" {
		team.ExternalID = uuid.New().String()
	}
	team.UpdatedAt = now

	return s.WithTx(ctx, []string{"teams"}, func(tx *sql.Tx) error {
		return UpsertTeamTx(ctx, tx, team)
	})
}

func UpsertTeamTx(ctx context.Context, tx *sql.Tx, team *Team) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO teams (id, external_id, name, short_name, color, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			short_name = excluded.short_name,
			color = excluded.color,
			updated_at = excluded.updated_at
	`, team.ID, team.ExternalID, team.Name, team.ShortName, team.Color,
		formatTime(team.CreatedAt), formatTime(team.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert team %s: %w", team.ID, err)
	}
	return nil
}

// GetTeam returns the team with the given local id.
func (s *Store) GetTeam(ctx context.Context, id string) (*Team, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, name, short_name, color, created_at, updated_at
		FROM teams WHERE id = ?
	`, id)
	return scanTeam(row)
}

// ListTeams returns all teams ordered by name.
func (s *Store) ListTeams(ctx context.Context) ([]Team, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, external_id, name, short_name, color, created_at, updated_at
		FROM teams ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query teams: %w", err)
	}
	defer rows.Close()

	var teams []Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		teams = append(teams, *t)
	}
	return teams, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTeam(row rowScanner) (*Team, error) {
	var t Team
	var createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.ExternalID, &t.Name, &t.ShortName, &t.Color, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan team: %w", err)
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}
