// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrMatchNotFound means no match row exists for the requested external id.
var ErrMatchNotFound = errors.New("match not found")

// FetchMatch assembles the consolidated document for one match: the match
// row plus both teams, their rosters, all sets and the full event history.
// Clients swallow this whole on every realtime notification.
func (s *Service) FetchMatch(ctx context.Context, matchExternalID string) (*ConsolidatedMatch, error) {
	var out ConsolidatedMatch
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var homeTeamID, awayTeamID *string
		err := tx.QueryRow(ctx, `
			SELECT row_to_json(m), m.home_team_external_id, m.away_team_external_id
			FROM scoresync.matches m
			WHERE m.external_id = $1
		`, matchExternalID).Scan(&out.Match, &homeTeamID, &awayTeamID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrMatchNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load match: %w", err)
		}

		if homeTeamID != nil {
			if out.HomeTeam, err = loadTeam(ctx, tx, *homeTeamID); err != nil {
				return err
			}
			if out.HomePlayers, err = loadPlayers(ctx, tx, *homeTeamID); err != nil {
				return err
			}
		}
		if awayTeamID != nil {
			if out.AwayTeam, err = loadTeam(ctx, tx, *awayTeamID); err != nil {
				return err
			}
			if out.AwayPlayers, err = loadPlayers(ctx, tx, *awayTeamID); err != nil {
				return err
			}
		}

		out.Sets, err = loadRows(ctx, tx, `
			SELECT row_to_json(s) FROM scoresync.sets s
			WHERE s.match_external_id = $1 ORDER BY s.set_index
		`, matchExternalID)
		if err != nil {
			return fmt.Errorf("failed to load sets: %w", err)
		}
		out.Events, err = loadRows(ctx, tx, `
			SELECT row_to_json(e) FROM scoresync.events e
			WHERE e.match_external_id = $1 ORDER BY e.seq
		`, matchExternalID)
		if err != nil {
			return fmt.Errorf("failed to load events: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func loadTeam(ctx context.Context, tx pgx.Tx, teamExternalID string) (json.RawMessage, error) {
	var team json.RawMessage
	err := tx.QueryRow(ctx, `
		SELECT row_to_json(t) FROM scoresync.teams t WHERE t.external_id = $1
	`, teamExternalID).Scan(&team)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load team: %w", err)
	}
	return team, nil
}

func loadPlayers(ctx context.Context, tx pgx.Tx, teamExternalID string) ([]json.RawMessage, error) {
	return loadRows(ctx, tx, `
		SELECT row_to_json(p) FROM scoresync.players p
		WHERE p.team_external_id = $1 ORDER BY p.number
	`, teamExternalID)
}

func loadRows(ctx context.Context, tx pgx.Tx, query string, args ...any) ([]json.RawMessage, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]json.RawMessage, 0)
	for rows.Next() {
		var row json.RawMessage
		if err := rows.Scan(&row); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
