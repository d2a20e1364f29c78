// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// InsertSetTx inserts a set row inside an existing transaction. A new set
// gets a local id if the caller did not assign one.
func InsertSetTx(ctx context.Context, tx *sql.Tx, set *Set) error {
	if set.ID == "" {
		set.ID = uuid.New().String()
	}
	var finishedAt any
	if set.FinishedAt != nil {
		finishedAt = formatTime(*set.FinishedAt)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sets (id, match_id, set_index, home_points, away_points,
			finished, lineup, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, set.ID, set.MatchID, set.Index, set.HomePoints, set.AwayPoints,
		boolToInt(set.Finished), nullableJSON(set.Lineup), formatTime(set.StartedAt), finishedAt)
	if err != nil {
		return fmt.Errorf("failed to insert set %d of match %s: %w", set.Index, set.MatchID, err)
	}
	return nil
}

// UpdateSetTx writes back a set's cached aggregates (points, lineup,
// finished flag) inside an existing transaction.
func UpdateSetTx(ctx context.Context, tx *sql.Tx, set *Set) error {
	var finishedAt any
	if set.FinishedAt != nil {
		finishedAt = formatTime(*set.FinishedAt)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE sets SET home_points = ?, away_points = ?, finished = ?,
			lineup = ?, finished_at = ?
		WHERE id = ?
	`, set.HomePoints, set.AwayPoints, boolToInt(set.Finished),
		nullableJSON(set.Lineup), finishedAt, set.ID)
	if err != nil {
		return fmt.Errorf("failed to update set %s: %w", set.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("set %s not found", set.ID)
	}
	return nil
}

// GetSetTx reads one set by match and index inside an existing transaction.
func GetSetTx(ctx context.Context, tx *sql.Tx, matchID string, index int) (*Set, error) {
	row := tx.QueryRowContext(ctx, setSelect+` WHERE match_id = ? AND set_index = ?`, matchID, index)
	return scanSet(row)
}

// GetSet returns one set of a match by its index (1..5).
func (s *Store) GetSet(ctx context.Context, matchID string, index int) (*Set, error) {
	row := s.db.QueryRowContext(ctx, setSelect+` WHERE match_id = ? AND set_index = ?`, matchID, index)
	return scanSet(row)
}

// SetsByMatch returns a match's sets in play order.
func (s *Store) SetsByMatch(ctx context.Context, matchID string) ([]Set, error) {
	rows, err := s.db.QueryContext(ctx, setSelect+` WHERE match_id = ? ORDER BY set_index`, matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sets: %w", err)
	}
	defer rows.Close()

	var sets []Set
	for rows.Next() {
		set, err := scanSet(rows)
		if err != nil {
			return nil, err
		}
		sets = append(sets, *set)
	}
	return sets, rows.Err()
}

const setSelect = `
	SELECT id, match_id, set_index, home_points, away_points, finished,
		lineup, started_at, finished_at
	FROM sets`

func scanSet(row rowScanner) (*Set, error) {
	var set Set
	var finished int
	var lineup sql.NullString
	var startedAt string
	var finishedAt sql.NullString
	err := row.Scan(&set.ID, &set.MatchID, &set.Index, &set.HomePoints,
		&set.AwayPoints, &finished, &lineup, &startedAt, &finishedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan set: %w", err)
	}
	set.Finished = finished != 0
	set.Lineup = rawJSON(lineup)
	set.StartedAt = parseTime(startedAt)
	set.FinishedAt = parseNullTime(finishedAt)
	return &set, nil
}
