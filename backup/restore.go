// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package backup

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/mobiletoly/scoresync/store"
)

var restoreTouched = []string{"teams", "players", "matches", "sets", "events"}

// RestoreInPlace replaces a match's sets and events wholesale with the
// snapshot's, preserving the match's local identity so every other entity's
// foreign keys stay valid. The snapshot is validated before the destructive
// delete-then-reinsert transaction begins; a failure mid-restore rolls the
// whole thing back.
func RestoreInPlace(ctx context.Context, st *store.Store, snap *Snapshot) error {
	if err := validate(snap); err != nil {
		return err
	}

	return st.WithTx(ctx, restoreTouched, func(tx *sql.Tx) error {
		if _, err := store.GetMatchTx(ctx, tx, snap.Match.ID); err != nil {
			return fmt.Errorf("snapshot's match %s does not exist locally: %w", snap.Match.ID, err)
		}

		if err := upsertRoster(ctx, tx, snap); err != nil {
			return err
		}
		match := snap.Match
		if err := store.UpsertMatchTx(ctx, tx, &match); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE match_id = ?`, snap.Match.ID); err != nil {
			return fmt.Errorf("failed to clear events: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sets WHERE match_id = ?`, snap.Match.ID); err != nil {
			return fmt.Errorf("failed to clear sets: %w", err)
		}

		return insertSetsAndEvents(ctx, tx, snap.Sets, snap.Events, nil)
	})
}

// RestoreAsNew imports a snapshot under a completely fresh local identity:
// new local ids and new externalIds for the match and everything under it,
// tagged with the snapshot's origin. Existing local data is never clobbered,
// which makes foreign snapshots safe to import.
func RestoreAsNew(ctx context.Context, st *store.Store, snap *Snapshot, origin string) (string, error) {
	if err := validate(snap); err != nil {
		return "", err
	}

	// Remap every local id in the snapshot to a fresh one.
	remap := map[string]string{
		snap.Match.ID:    uuid.New().String(),
		snap.HomeTeam.ID: uuid.New().String(),
		snap.AwayTeam.ID: uuid.New().String(),
	}
	newID := func(old string) string {
		if fresh, ok := remap[old]; ok {
			return fresh
		}
		fresh := uuid.New().String()
		remap[old] = fresh
		return fresh
	}

	err := st.WithTx(ctx, restoreTouched, func(tx *sql.Tx) error {
		for _, team := range []store.Team{snap.HomeTeam, snap.AwayTeam} {
			team.ID = newID(team.ID)
			team.ExternalID = uuid.New().String()
			if err := store.UpsertTeamTx(ctx, tx, &team); err != nil {
				return err
			}
		}
		for _, player := range append(append([]store.Player{}, snap.HomePlayers...), snap.AwayPlayers...) {
			player.ID = newID(player.ID)
			player.ExternalID = uuid.New().String()
			player.TeamID = newID(player.TeamID)
			if err := store.UpsertPlayerTx(ctx, tx, &player); err != nil {
				return err
			}
		}

		match := snap.Match
		match.ID = newID(match.ID)
		match.ExternalID = uuid.New().String()
		match.HomeTeamID = newID(match.HomeTeamID)
		match.AwayTeamID = newID(match.AwayTeamID)
		match.Origin = origin
		if err := store.UpsertMatchTx(ctx, tx, &match); err != nil {
			return err
		}

		return insertSetsAndEvents(ctx, tx, snap.Sets, snap.Events, newID)
	})
	if err != nil {
		return "", err
	}
	return remap[snap.Match.ID], nil
}

func upsertRoster(ctx context.Context, tx *sql.Tx, snap *Snapshot) error {
	for _, team := range []store.Team{snap.HomeTeam, snap.AwayTeam} {
		t := team
		if err := store.UpsertTeamTx(ctx, tx, &t); err != nil {
			return err
		}
	}
	for _, player := range append(append([]store.Player{}, snap.HomePlayers...), snap.AwayPlayers...) {
		p := player
		if err := store.UpsertPlayerTx(ctx, tx, &p); err != nil {
			return err
		}
	}
	return nil
}

// insertSetsAndEvents reinserts the snapshot's sets and events, optionally
// remapping ids for restore-as-new. A nil remap keeps identities as-is.
func insertSetsAndEvents(ctx context.Context, tx *sql.Tx, sets []store.Set, events []store.Event, remap func(string) string) error {
	for _, set := range sets {
		s := set
		if remap != nil {
			s.ID = remap(s.ID)
			s.MatchID = remap(s.MatchID)
		}
		if err := store.InsertSetTx(ctx, tx, &s); err != nil {
			return err
		}
	}
	for _, event := range events {
		e := event
		if remap != nil {
			e.ID = remap(e.ID)
			e.MatchID = remap(e.MatchID)
		}
		if err := store.InsertEventTx(ctx, tx, &e); err != nil {
			return err
		}
	}
	return nil
}
