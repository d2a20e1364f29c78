// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/scoresync/store"
)

// SaveTeam writes a team and enqueues its outbox job atomically. A zero ID
// means insert; the action recorded on the job follows from that.
func (l *Log) SaveTeam(ctx context.Context, team *store.Team) error {
	action := store.ActionUpdate
	now := time.Now()
	if team.ID == "" {
		action = store.ActionInsert
		team.ID = uuid.New().String()
		team.CreatedAt = now
	}
	if team.ExternalID == "" {
		team.ExternalID = uuid.New().String()
	}
	team.UpdatedAt = now

	return l.store.WithTx(ctx, []string{"teams", "outbox"}, func(tx *sql.Tx) error {
		if err := store.UpsertTeamTx(ctx, tx, team); err != nil {
			return err
		}
		return enqueueSnapshot(ctx, tx, store.ResourceTeam, action, team)
	})
}

// SavePlayer writes a roster player and enqueues its outbox job atomically.
func (l *Log) SavePlayer(ctx context.Context, player *store.Player) error {
	action := store.ActionUpdate
	now := time.Now()
	if player.ID == "" {
		action = store.ActionInsert
		player.ID = uuid.New().String()
		player.CreatedAt = now
	}
	if player.ExternalID == "" {
		player.ExternalID = uuid.New().String()
	}
	player.UpdatedAt = now

	return l.store.WithTx(ctx, []string{"players", "outbox"}, func(tx *sql.Tx) error {
		if err := store.UpsertPlayerTx(ctx, tx, player); err != nil {
			return err
		}
		return enqueueSnapshot(ctx, tx, store.ResourcePlayer, action, player)
	})
}

// CreateMatch records a new match in setup state and enqueues its insert job.
func (l *Log) CreateMatch(ctx context.Context, match *store.Match) error {
	now := time.Now()
	match.ID = uuid.New().String()
	if match.ExternalID == "" {
		match.ExternalID = uuid.New().String()
	}
	match.Status = store.MatchSetup
	match.CreatedAt = now
	match.UpdatedAt = now

	return l.store.WithTx(ctx, []string{"matches", "outbox"}, func(tx *sql.Tx) error {
		if err := store.UpsertMatchTx(ctx, tx, match); err != nil {
			return err
		}
		return enqueueSnapshot(ctx, tx, store.ResourceMatch, store.ActionInsert, match)
	})
}

// UpdateMatch persists match-level mutations made during setup or play (coin
// toss, PIN codes, pending rosters, heartbeats) and enqueues the update job.
func (l *Log) UpdateMatch(ctx context.Context, match *store.Match) error {
	match.UpdatedAt = time.Now()
	return l.store.WithTx(ctx, []string{"matches", "outbox"}, func(tx *sql.Tx) error {
		if err := store.UpsertMatchTx(ctx, tx, match); err != nil {
			return err
		}
		return enqueueSnapshot(ctx, tx, store.ResourceMatch, store.ActionUpdate, match)
	})
}

// StartMatch transitions a match setup -> live and opens set 1, atomically
// with both outbox jobs.
func (l *Log) StartMatch(ctx context.Context, matchID string) error {
	return l.store.WithTx(ctx, []string{"matches", "sets", "outbox"}, func(tx *sql.Tx) error {
		match, err := store.GetMatchTx(ctx, tx, matchID)
		if err != nil {
			return fmt.Errorf("failed to load match %s: %w", matchID, err)
		}
		if match.Status != store.MatchSetup {
			return fmt.Errorf("match %s is %s, not setup", matchID, match.Status)
		}
		now := time.Now()
		match.Status = store.MatchLive
		match.UpdatedAt = now
		if err := store.UpsertMatchTx(ctx, tx, match); err != nil {
			return err
		}
		if err := enqueueSnapshot(ctx, tx, store.ResourceMatch, store.ActionUpdate, match); err != nil {
			return err
		}

		first := &store.Set{MatchID: matchID, Index: 1, StartedAt: now}
		if err := store.InsertSetTx(ctx, tx, first); err != nil {
			return err
		}
		return enqueueSnapshot(ctx, tx, store.ResourceSet, store.ActionInsert, first)
	})
}

// Signature is the payload of a referee or scorer sign-off.
type Signature struct {
	MatchID  string    `json:"matchId"`
	Role     string    `json:"role"` // referee, scorer
	Name     string    `json:"name"`
	Image    string    `json:"image,omitempty"` // data URL captured on the bench device
	SignedAt time.Time `json:"signedAt"`
}

// Sign stores a sign-off on the match row and enqueues it under its own
// resource kind so the backend keeps per-official history.
func (l *Log) Sign(ctx context.Context, sig *Signature) error {
	var resource store.Resource
	switch sig.Role {
	case "referee":
		resource = store.ResourceReferee
	case "scorer":
		resource = store.ResourceScorer
	default:
		return fmt.Errorf("unknown signing role %q", sig.Role)
	}
	if sig.SignedAt.IsZero() {
		sig.SignedAt = time.Now()
	}

	return l.store.WithTx(ctx, []string{"matches", "outbox"}, func(tx *sql.Tx) error {
		match, err := store.GetMatchTx(ctx, tx, sig.MatchID)
		if err != nil {
			return fmt.Errorf("failed to load match %s: %w", sig.MatchID, err)
		}

		var signatures map[string]*Signature
		if len(match.Signatures) > 0 {
			if err := json.Unmarshal(match.Signatures, &signatures); err != nil {
				return fmt.Errorf("failed to parse stored signatures: %w", err)
			}
		}
		if signatures == nil {
			signatures = make(map[string]*Signature)
		}
		signatures[sig.Role] = sig
		data, err := json.Marshal(signatures)
		if err != nil {
			return fmt.Errorf("failed to marshal signatures: %w", err)
		}
		match.Signatures = data
		match.UpdatedAt = time.Now()
		if err := store.UpsertMatchTx(ctx, tx, match); err != nil {
			return err
		}
		return enqueueSnapshot(ctx, tx, resource, store.ActionInsert, sig)
	})
}
