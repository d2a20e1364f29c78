// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mobiletoly/scoresync/remote"
	"github.com/mobiletoly/scoresync/store"
)

// Apply executes one idempotent upsert. Rows are keyed by externalId (events
// and officials by their composite natural key), so submitting an identical
// payload twice converges on the same remote row. Each apply commits in its
// own transaction together with the change notification.
func (s *Service) Apply(ctx context.Context, req *remote.UpsertRequest) (*remote.UpsertResponse, error) {
	var resp *remote.UpsertResponse
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		resp, err = s.applyInTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Service) applyInTx(ctx context.Context, tx pgx.Tx, req *remote.UpsertRequest) (*remote.UpsertResponse, error) {
	switch req.Resource {
	case store.ResourceTeam:
		return s.applyTeam(ctx, tx, req.Payload)
	case store.ResourcePlayer:
		return s.applyPlayer(ctx, tx, req.Payload)
	case store.ResourceMatch:
		return s.applyMatch(ctx, tx, req.Payload)
	case store.ResourceSet:
		return s.applySet(ctx, tx, req.Payload)
	case store.ResourceEvent:
		return s.applyEvent(ctx, tx, req.Payload)
	case store.ResourceReferee, store.ResourceScorer:
		return s.applyOfficial(ctx, tx, string(req.Resource), req.Payload)
	default:
		return nil, fmt.Errorf("unknown resource %q", req.Resource)
	}
}

func (s *Service) applyTeam(ctx context.Context, tx pgx.Tx, payload json.RawMessage) (*remote.UpsertResponse, error) {
	var team struct {
		ExternalID string `json:"externalId"`
		Name       string `json:"name"`
		ShortName  string `json:"shortName"`
		Color      string `json:"color"`
	}
	if err := json.Unmarshal(payload, &team); err != nil {
		return nil, fmt.Errorf("failed to parse team payload: %w", err)
	}
	if team.ExternalID == "" {
		return nil, fmt.Errorf("team payload has no externalId")
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO scoresync.teams (external_id, name, short_name, color, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (external_id) DO UPDATE SET
			name = EXCLUDED.name,
			short_name = EXCLUDED.short_name,
			color = EXCLUDED.color,
			updated_at = now()
	`, team.ExternalID, team.Name, team.ShortName, team.Color)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert team: %w", err)
	}
	return &remote.UpsertResponse{ExternalID: team.ExternalID, Applied: true}, nil
}

func (s *Service) applyPlayer(ctx context.Context, tx pgx.Tx, payload json.RawMessage) (*remote.UpsertResponse, error) {
	var player struct {
		ExternalID string  `json:"externalId"`
		TeamID     *string `json:"teamId"` // remote id or null if unresolved
		Number     int     `json:"number"`
		FirstName  string  `json:"firstName"`
		LastName   string  `json:"lastName"`
		DOB        string  `json:"dob"`
		Captain    bool    `json:"captain"`
		Libero     bool    `json:"libero"`
	}
	if err := json.Unmarshal(payload, &player); err != nil {
		return nil, fmt.Errorf("failed to parse player payload: %w", err)
	}
	if player.ExternalID == "" {
		return nil, fmt.Errorf("player payload has no externalId")
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO scoresync.players (external_id, team_external_id, number,
			first_name, last_name, dob, captain, libero, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (external_id) DO UPDATE SET
			team_external_id = EXCLUDED.team_external_id,
			number = EXCLUDED.number,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			dob = EXCLUDED.dob,
			captain = EXCLUDED.captain,
			libero = EXCLUDED.libero,
			updated_at = now()
	`, player.ExternalID, player.TeamID, player.Number, player.FirstName,
		player.LastName, player.DOB, player.Captain, player.Libero)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert player: %w", err)
	}
	return &remote.UpsertResponse{ExternalID: player.ExternalID, Applied: true}, nil
}

func (s *Service) applyMatch(ctx context.Context, tx pgx.Tx, payload json.RawMessage) (*remote.UpsertResponse, error) {
	var match struct {
		ExternalID     string          `json:"externalId"`
		HomeTeamID     *string         `json:"homeTeamId"`
		AwayTeamID     *string         `json:"awayTeamId"`
		Status         string          `json:"status"`
		CoinToss       json.RawMessage `json:"coinToss"`
		Pins           json.RawMessage `json:"pins"`
		PendingRosters json.RawMessage `json:"pendingRosters"`
		Signatures     json.RawMessage `json:"signatures"`
		Heartbeats     json.RawMessage `json:"heartbeats"`
	}
	if err := json.Unmarshal(payload, &match); err != nil {
		return nil, fmt.Errorf("failed to parse match payload: %w", err)
	}
	if match.ExternalID == "" {
		return nil, fmt.Errorf("match payload has no externalId")
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO scoresync.matches (external_id, home_team_external_id,
			away_team_external_id, status, coin_toss, pins, pending_rosters,
			signatures, heartbeats, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (external_id) DO UPDATE SET
			home_team_external_id = EXCLUDED.home_team_external_id,
			away_team_external_id = EXCLUDED.away_team_external_id,
			status = EXCLUDED.status,
			coin_toss = EXCLUDED.coin_toss,
			pins = EXCLUDED.pins,
			pending_rosters = EXCLUDED.pending_rosters,
			signatures = EXCLUDED.signatures,
			heartbeats = EXCLUDED.heartbeats,
			updated_at = now()
	`, match.ExternalID, match.HomeTeamID, match.AwayTeamID, match.Status,
		jsonOrNil(match.CoinToss), jsonOrNil(match.Pins), jsonOrNil(match.PendingRosters),
		jsonOrNil(match.Signatures), jsonOrNil(match.Heartbeats))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert match: %w", err)
	}
	if err := s.notifyMatch(ctx, tx, match.ExternalID); err != nil {
		return nil, err
	}
	return &remote.UpsertResponse{ExternalID: match.ExternalID, Applied: true}, nil
}

func (s *Service) applySet(ctx context.Context, tx pgx.Tx, payload json.RawMessage) (*remote.UpsertResponse, error) {
	var set struct {
		MatchID    *string         `json:"matchId"`
		Index      int             `json:"index"`
		HomePoints int             `json:"homePoints"`
		AwayPoints int             `json:"awayPoints"`
		Finished   bool            `json:"finished"`
		Lineup     json.RawMessage `json:"lineup"`
	}
	if err := json.Unmarshal(payload, &set); err != nil {
		return nil, fmt.Errorf("failed to parse set payload: %w", err)
	}
	if set.MatchID == nil {
		// The referenced match has never been synced; nothing to attach the
		// row to yet. Acknowledge without applying so the job completes.
		return &remote.UpsertResponse{Applied: false}, nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO scoresync.sets (match_external_id, set_index, home_points,
			away_points, finished, lineup, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (match_external_id, set_index) DO UPDATE SET
			home_points = EXCLUDED.home_points,
			away_points = EXCLUDED.away_points,
			finished = EXCLUDED.finished,
			lineup = EXCLUDED.lineup,
			updated_at = now()
	`, *set.MatchID, set.Index, set.HomePoints, set.AwayPoints, set.Finished,
		jsonOrNil(set.Lineup))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert set: %w", err)
	}
	if err := s.notifyMatch(ctx, tx, *set.MatchID); err != nil {
		return nil, err
	}
	return &remote.UpsertResponse{ExternalID: *set.MatchID, Applied: true}, nil
}

func (s *Service) applyEvent(ctx context.Context, tx pgx.Tx, payload json.RawMessage) (*remote.UpsertResponse, error) {
	var event struct {
		MatchID  *string         `json:"matchId"`
		SetIndex int             `json:"setIndex"`
		Type     string          `json:"type"`
		Payload  json.RawMessage `json:"payload"`
		Seq      int64           `json:"seq"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to parse event payload: %w", err)
	}
	if event.MatchID == nil {
		return &remote.UpsertResponse{Applied: false}, nil
	}
	if event.Seq <= 0 {
		return nil, fmt.Errorf("event payload has no sequence number")
	}
	// Append-only history: a redelivered event hits the natural key and is
	// dropped, never rewritten.
	tag, err := tx.Exec(ctx, `
		INSERT INTO scoresync.events (match_external_id, seq, set_index, type, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (match_external_id, seq) DO NOTHING
	`, *event.MatchID, event.Seq, event.SetIndex, event.Type, jsonOrNil(event.Payload))
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}
	if err := s.notifyMatch(ctx, tx, *event.MatchID); err != nil {
		return nil, err
	}
	return &remote.UpsertResponse{
		ExternalID: *event.MatchID,
		Applied:    tag.RowsAffected() > 0,
	}, nil
}

func (s *Service) applyOfficial(ctx context.Context, tx pgx.Tx, role string, payload json.RawMessage) (*remote.UpsertResponse, error) {
	var sig struct {
		MatchID  *string `json:"matchId"`
		Name     string  `json:"name"`
		Image    string  `json:"image"`
		SignedAt string  `json:"signedAt"`
	}
	if err := json.Unmarshal(payload, &sig); err != nil {
		return nil, fmt.Errorf("failed to parse %s payload: %w", role, err)
	}
	if sig.MatchID == nil {
		return &remote.UpsertResponse{Applied: false}, nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO scoresync.officials (match_external_id, role, name, image, signed_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (match_external_id, role) DO UPDATE SET
			name = EXCLUDED.name,
			image = EXCLUDED.image,
			signed_at = now()
	`, *sig.MatchID, role, sig.Name, sig.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert %s signature: %w", role, err)
	}
	if err := s.notifyMatch(ctx, tx, *sig.MatchID); err != nil {
		return nil, err
	}
	return &remote.UpsertResponse{ExternalID: *sig.MatchID, Applied: true}, nil
}

func jsonOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
