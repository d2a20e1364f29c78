// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/json"
	"time"
)

// MatchStatus is the lifecycle of a match. Matches are archived, never deleted.
type MatchStatus string

const (
	MatchSetup MatchStatus = "setup"
	MatchLive  MatchStatus = "live"
	MatchFinal MatchStatus = "final"
)

// EventType identifies a match action recorded in the event log.
type EventType string

const (
	EventPoint        EventType = "point"
	EventTimeout      EventType = "timeout"
	EventSubstitution EventType = "substitution"
	EventLineup       EventType = "lineup"
	EventSanction     EventType = "sanction"
	EventSetEnd       EventType = "set_end"
	EventRemark       EventType = "remark"
)

// Team is a roster-level team. ExternalID is the stable correlation key shared
// with the remote backend; it is assigned locally at creation time so the row
// can be upserted idempotently before it has ever been synced.
type Team struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"externalId"`
	Name       string    `json:"name"`
	ShortName  string    `json:"shortName"`
	Color      string    `json:"color"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Player belongs to one team. Never hard-deleted except via full cache clear.
type Player struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"externalId"`
	TeamID     string    `json:"teamId"`
	Number     int       `json:"number"`
	FirstName  string    `json:"firstName"`
	LastName   string    `json:"lastName"`
	DOB        string    `json:"dob,omitempty"`
	Captain    bool      `json:"captain"`
	Libero     bool      `json:"libero"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Match is the root aggregate. The JSON blob columns (coin toss, PIN codes,
// pending rosters, signatures, bench heartbeats) are opaque to the sync
// substrate; they travel as-is in outbox payloads and snapshots.
type Match struct {
	ID             string          `json:"id"`
	ExternalID     string          `json:"externalId"`
	HomeTeamID     string          `json:"homeTeamId"`
	AwayTeamID     string          `json:"awayTeamId"`
	Status         MatchStatus     `json:"status"`
	CoinToss       json.RawMessage `json:"coinToss,omitempty"`
	Pins           json.RawMessage `json:"pins,omitempty"`
	PendingRosters json.RawMessage `json:"pendingRosters,omitempty"`
	Signatures     json.RawMessage `json:"signatures,omitempty"`
	Heartbeats     json.RawMessage `json:"heartbeats,omitempty"`
	Origin         string          `json:"origin,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Set holds cached point totals. The event log is authoritative; the totals
// are maintained transactionally with each append and must always equal a
// replay of the set's ordered point events.
type Set struct {
	ID         string          `json:"id"`
	MatchID    string          `json:"matchId"`
	Index      int             `json:"index"` // 1..5
	HomePoints int             `json:"homePoints"`
	AwayPoints int             `json:"awayPoints"`
	Finished   bool            `json:"finished"`
	Lineup     json.RawMessage `json:"lineup,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
}

// Event is one append-only entry of the per-match log. Seq is assigned inside
// the append transaction and is strictly increasing per match with no gaps.
type Event struct {
	ID        string          `json:"id"`
	MatchID   string          `json:"matchId"`
	SetIndex  int             `json:"setIndex"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Seq       int64           `json:"seq"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Resource identifies the remote collection an outbox job targets.
type Resource string

const (
	ResourceTeam    Resource = "team"
	ResourcePlayer  Resource = "player"
	ResourceMatch   Resource = "match"
	ResourceSet     Resource = "set"
	ResourceEvent   Resource = "event"
	ResourceReferee Resource = "referee"
	ResourceScorer  Resource = "scorer"
)

// JobAction is the remote-bound operation carried by an outbox job.
type JobAction string

const (
	ActionInsert JobAction = "insert"
	ActionUpdate JobAction = "update"
)

// JobStatus transitions only queued -> sent | error. Errored jobs are
// surfaced to the operator and retried in place, never re-enqueued.
type JobStatus string

const (
	JobQueued JobStatus = "queued"
	JobSent   JobStatus = "sent"
	JobError  JobStatus = "error"
)

// OutboxJob records one pending remote write. Payload is a snapshot captured
// at enqueue time so later local edits cannot corrupt an in-flight job.
type OutboxJob struct {
	ID         int64           `json:"id"`
	Resource   Resource        `json:"resource"`
	Action     JobAction       `json:"action"`
	Payload    json.RawMessage `json:"payload"`
	Status     JobStatus       `json:"status"`
	Error      string          `json:"error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	SentAt     *time.Time      `json:"sentAt,omitempty"`
}
