// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package backup exports and restores complete, version-tagged match
// snapshots. A snapshot is self-contained: match, both teams, both rosters,
// sets and the full event log, so a match can be reconstructed on any device
// from the file alone.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mobiletoly/scoresync/store"
)

// SnapshotVersion is the current snapshot schema version.
const SnapshotVersion = 2

// ErrUnknownVersion is returned when a snapshot's version field is newer
// than this build understands. Restore rejects it before touching anything.
var ErrUnknownVersion = errors.New("unknown snapshot version")

// Snapshot is the backup file format.
type Snapshot struct {
	Version     int            `json:"version"`
	LastUpdated time.Time      `json:"lastUpdated"`
	Match       store.Match    `json:"match"`
	HomeTeam    store.Team     `json:"homeTeam"`
	AwayTeam    store.Team     `json:"awayTeam"`
	HomePlayers []store.Player `json:"homePlayers"`
	AwayPlayers []store.Player `json:"awayPlayers"`
	Sets        []store.Set    `json:"sets"`
	Events      []store.Event  `json:"events"`
}

// Export produces a snapshot of the match's current local state.
func Export(ctx context.Context, st *store.Store, matchID string) (*Snapshot, error) {
	match, err := st.GetMatch(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load match %s: %w", matchID, err)
	}
	homeTeam, err := st.GetTeam(ctx, match.HomeTeamID)
	if err != nil {
		return nil, fmt.Errorf("failed to load home team: %w", err)
	}
	awayTeam, err := st.GetTeam(ctx, match.AwayTeamID)
	if err != nil {
		return nil, fmt.Errorf("failed to load away team: %w", err)
	}
	homePlayers, err := st.PlayersByTeam(ctx, match.HomeTeamID)
	if err != nil {
		return nil, err
	}
	awayPlayers, err := st.PlayersByTeam(ctx, match.AwayTeamID)
	if err != nil {
		return nil, err
	}
	sets, err := st.SetsByMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	events, err := st.EventsByMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Version:     SnapshotVersion,
		LastUpdated: time.Now(),
		Match:       *match,
		HomeTeam:    *homeTeam,
		AwayTeam:    *awayTeam,
		HomePlayers: homePlayers,
		AwayPlayers: awayPlayers,
		Sets:        sets,
		Events:      events,
	}, nil
}

// Decode parses and validates a snapshot file. Version 1 files (written
// before per-match sequence numbers existed) are migrated on read by
// backfilling seq from event order. Unknown versions are rejected before any
// destructive step can run.
func Decode(data []byte) (*Snapshot, error) {
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}

	switch probe.Version {
	case SnapshotVersion:
		// current
	case 1:
		// readable, migrated below
	default:
		return nil, fmt.Errorf("%w: %d (this build reads up to %d)",
			ErrUnknownVersion, probe.Version, SnapshotVersion)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	if snap.Version == 1 {
		// Backfill from past the highest seq already present, so a v1 file
		// with partially assigned seqs never migrates into duplicates.
		var next int64
		for _, event := range snap.Events {
			if event.Seq > next {
				next = event.Seq
			}
		}
		for i := range snap.Events {
			if snap.Events[i].Seq == 0 {
				next++
				snap.Events[i].Seq = next
			}
		}
		snap.Version = SnapshotVersion
	}

	if err := validate(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func validate(snap *Snapshot) error {
	if snap.Match.ID == "" {
		return errors.New("snapshot has no match id")
	}
	if snap.HomeTeam.ID == "" || snap.AwayTeam.ID == "" {
		return errors.New("snapshot is missing a team")
	}
	seen := make(map[int64]bool, len(snap.Events))
	for _, event := range snap.Events {
		if event.Seq <= 0 {
			return fmt.Errorf("event %s has no sequence number", event.ID)
		}
		if seen[event.Seq] {
			return fmt.Errorf("duplicate event sequence %d", event.Seq)
		}
		seen[event.Seq] = true
	}
	for _, set := range snap.Sets {
		if set.Index < 1 || set.Index > 5 {
			return fmt.Errorf("set index %d out of range", set.Index)
		}
	}
	return nil
}

// Encode serializes a snapshot for writing to disk.
func Encode(snap *Snapshot) ([]byte, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}
