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

// SavePlayer inserts or updates a player on a team's roster.
func (s *Store) SavePlayer(ctx context.Context, player *Player) error {
	now := time.Now()
	if player.ID == "" {
		player.ID = uuid.New().String()
		player.CreatedAt = now
	}
	if player.ExternalID == "" {
		player.ExternalID = uuid.New().String()
	}
	player.UpdatedAt = now

	return s.WithTx(ctx, []string{"players"}, func(tx *sql.Tx) error {
		return UpsertPlayerTx(ctx, tx, player)
	})
}

func UpsertPlayerTx(ctx context.Context, tx *sql.Tx, player *Player) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO players (id, external_id, team_id, number, first_name, last_name,
			dob, captain, libero, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			team_id = excluded.team_id,
			number = excluded.number,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			dob = excluded.dob,
			captain = excluded.captain,
			libero = excluded.libero,
			updated_at = excluded.updated_at
	`, player.ID, player.ExternalID, player.TeamID, player.Number, player.FirstName,
		player.LastName, player.DOB, boolToInt(player.Captain), boolToInt(player.Libero),
		formatTime(player.CreatedAt), formatTime(player.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert player %s: %w", player.ID, err)
	}
	return nil
}

// GetPlayer returns the player with the given local id.
func (s *Store) GetPlayer(ctx context.Context, id string) (*Player, error) {
	row := s.db.QueryRowContext(ctx, playerSelect+` WHERE id = ?`, id)
	return scanPlayer(row)
}

// PlayersByTeam returns a team's roster ordered by shirt number.
func (s *Store) PlayersByTeam(ctx context.Context, teamID string) ([]Player, error) {
	rows, err := s.db.QueryContext(ctx, playerSelect+` WHERE team_id = ? ORDER BY number`, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to query players: %w", err)
	}
	defer rows.Close()

	var players []Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		players = append(players, *p)
	}
	return players, rows.Err()
}

const playerSelect = `
	SELECT id, external_id, team_id, number, first_name, last_name,
		dob, captain, libero, created_at, updated_at
	FROM players`

func scanPlayer(row rowScanner) (*Player, error) {
	var p Player
	var captain, libero int
	var createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.ExternalID, &p.TeamID, &p.Number, &p.FirstName,
		&p.LastName, &p.DOB, &captain, &libero, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan player: %w", err)
	}
	p.Captain = captain != 0
	p.Libero = libero != 0
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
