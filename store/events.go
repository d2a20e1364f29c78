// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// NextSeqTx returns the next per-match sequence number, computed inside the
// caller's transaction so concurrent appends cannot race for the same value.
func NextSeqTx(ctx context.Context, tx *sql.Tx, matchID string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE match_id = ?
	`, matchID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next seq for match %s: %w", matchID, err)
	}
	return seq, nil
}

// InsertEventTx appends an event row inside an existing transaction. The
// UNIQUE(match_id, seq) constraint rejects any attempt to reuse a sequence
// number.
func InsertEventTx(ctx context.Context, tx *sql.Tx, event *Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, match_id, set_index, type, payload, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.MatchID, event.SetIndex, event.Type,
		nullableJSON(event.Payload), event.Seq, formatTime(event.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert event seq %d of match %s: %w", event.Seq, event.MatchID, err)
	}
	return nil
}

// EventsByMatch returns a match's full log in sequence order.
func (s *Store) EventsByMatch(ctx context.Context, matchID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, eventSelect+` WHERE match_id = ? ORDER BY seq`, matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// EventsBySet returns one set's events in sequence order.
func (s *Store) EventsBySet(ctx context.Context, matchID string, setIndex int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, eventSelect+`
		WHERE match_id = ? AND set_index = ? ORDER BY seq`, matchID, setIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to query set events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

const eventSelect = `
	SELECT id, match_id, set_index, type, payload, seq, created_at
	FROM events`

func collectEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		var payload sql.NullString
		var createdAt string
		err := rows.Scan(&e.ID, &e.MatchID, &e.SetIndex, &e.Type, &payload, &e.Seq, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Payload = rawJSON(payload)
		e.CreatedAt = parseTime(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}
