// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package eventlog is the single write path for match actions. Every
// mutation appends to the per-match event log and updates the cached
// aggregates that are pure functions of the event stream (set score, set
// finished flag, derived lineup) in the same transaction, then enqueues the
// matching outbox jobs in that transaction too. An aggregate is therefore
// never observed without its triggering event, or vice versa, on the same
// device.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/scoresync/store"
)

// ErrSetNotOpen is returned when an event targets a set that does not exist
// or is already finished.
var ErrSetNotOpen = errors.New("set is not open for events")

// ErrMatchFinal is returned when a scoring event targets a finished match.
var ErrMatchFinal = errors.New("match is final")

// Log appends match events and maintains their derived aggregates.
type Log struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates the event log over the given store.
func New(st *store.Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: st, logger: logger}
}

// touched lists every table an append may write, for live-query wakeups.
var touched = []string{"events", "sets", "matches", "outbox"}

// Append records one match action. It assigns the next per-match sequence
// number inside the transaction (max existing + 1, so concurrent local calls
// cannot race for the same value), writes the event, folds it into the
// cached aggregates, and enqueues the remote-bound outbox jobs. Everything
// commits atomically or not at all.
func (l *Log) Append(ctx context.Context, matchID string, setIndex int, typ store.EventType, payload any) (*store.Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
		}
		raw = data
	}

	var event *store.Event
	err := l.store.WithTx(ctx, touched, func(tx *sql.Tx) error {
		match, err := store.GetMatchTx(ctx, tx, matchID)
		if err != nil {
			return fmt.Errorf("failed to load match %s: %w", matchID, err)
		}
		if match.Status == store.MatchFinal && typ != store.EventRemark {
			return ErrMatchFinal
		}

		seq, err := store.NextSeqTx(ctx, tx, matchID)
		if err != nil {
			return err
		}

		event = &store.Event{
			ID:        uuid.New().String(),
			MatchID:   matchID,
			SetIndex:  setIndex,
			Type:      typ,
			Payload:   raw,
			Seq:       seq,
			CreatedAt: time.Now(),
		}
		if err := store.InsertEventTx(ctx, tx, event); err != nil {
			return err
		}
		if err := l.fold(ctx, tx, match, event); err != nil {
			return err
		}
		return enqueueSnapshot(ctx, tx, store.ResourceEvent, store.ActionInsert, event)
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug("Appended event", "match_id", matchID, "set", setIndex, "type", typ, "seq", event.Seq)
	return event, nil
}

// fold applies one event to the cached aggregates and enqueues outbox jobs
// for every entity it changed.
func (l *Log) fold(ctx context.Context, tx *sql.Tx, match *store.Match, event *store.Event) error {
	switch event.Type {
	case store.EventPoint:
		var p PointPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return fmt.Errorf("failed to parse point payload: %w", err)
		}
		set, err := openSet(ctx, tx, match.ID, event.SetIndex)
		if err != nil {
			return err
		}
		delta := p.Delta
		if delta == 0 {
			delta = 1
		}
		if p.Team == SideHome {
			set.HomePoints += delta
		} else {
			set.AwayPoints += delta
		}
		if err := store.UpdateSetTx(ctx, tx, set); err != nil {
			return err
		}
		return enqueueSnapshot(ctx, tx, store.ResourceSet, store.ActionUpdate, set)

	case store.EventSetEnd:
		var p SetEndPayload
		if len(event.Payload) > 0 {
			if err := json.Unmarshal(event.Payload, &p); err != nil {
				return fmt.Errorf("failed to parse set_end payload: %w", err)
			}
		}
		set, err := openSet(ctx, tx, match.ID, event.SetIndex)
		if err != nil {
			return err
		}
		now := event.CreatedAt
		set.Finished = true
		set.FinishedAt = &now
		if err := store.UpdateSetTx(ctx, tx, set); err != nil {
			return err
		}
		if err := enqueueSnapshot(ctx, tx, store.ResourceSet, store.ActionUpdate, set); err != nil {
			return err
		}

		if p.Final || event.SetIndex >= 5 {
			match.Status = store.MatchFinal
			match.UpdatedAt = now
			if err := store.UpsertMatchTx(ctx, tx, match); err != nil {
				return err
			}
			return enqueueSnapshot(ctx, tx, store.ResourceMatch, store.ActionUpdate, match)
		}

		next := &store.Set{
			MatchID:   match.ID,
			Index:     event.SetIndex + 1,
			StartedAt: now,
		}
		if err := store.InsertSetTx(ctx, tx, next); err != nil {
			return err
		}
		return enqueueSnapshot(ctx, tx, store.ResourceSet, store.ActionInsert, next)

	case store.EventLineup:
		var p LineupPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return fmt.Errorf("failed to parse lineup payload: %w", err)
		}
		return l.updateLineup(ctx, tx, match.ID, event.SetIndex, func(lu *lineup) error {
			if p.Team == SideHome {
				lu.Home = p.Numbers
			} else {
				lu.Away = p.Numbers
			}
			return nil
		})

	case store.EventSubstitution:
		var p SubstitutionPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return fmt.Errorf("failed to parse substitution payload: %w", err)
		}
		return l.updateLineup(ctx, tx, match.ID, event.SetIndex, func(lu *lineup) error {
			side := lu.Home
			if p.Team == SideAway {
				side = lu.Away
			}
			for i, n := range side {
				if n == p.Out {
					side[i] = p.In
					return nil
				}
			}
			return fmt.Errorf("player %d is not on court", p.Out)
		})

	default:
		// timeout, sanction, remark and friends carry no cached aggregate.
		return nil
	}
}

func (l *Log) updateLineup(ctx context.Context, tx *sql.Tx, matchID string, setIndex int, mutate func(*lineup) error) error {
	set, err := openSet(ctx, tx, matchID, setIndex)
	if err != nil {
		return err
	}
	var lu lineup
	if len(set.Lineup) > 0 {
		if err := json.Unmarshal(set.Lineup, &lu); err != nil {
			return fmt.Errorf("failed to parse cached lineup: %w", err)
		}
	}
	if err := mutate(&lu); err != nil {
		return err
	}
	data, err := json.Marshal(&lu)
	if err != nil {
		return fmt.Errorf("failed to marshal lineup: %w", err)
	}
	set.Lineup = data
	if err := store.UpdateSetTx(ctx, tx, set); err != nil {
		return err
	}
	return enqueueSnapshot(ctx, tx, store.ResourceSet, store.ActionUpdate, set)
}

func openSet(ctx context.Context, tx *sql.Tx, matchID string, setIndex int) (*store.Set, error) {
	set, err := store.GetSetTx(ctx, tx, matchID, setIndex)
	if err != nil {
		return nil, fmt.Errorf("%w: set %d of match %s", ErrSetNotOpen, setIndex, matchID)
	}
	if set.Finished {
		return nil, fmt.Errorf("%w: set %d already finished", ErrSetNotOpen, setIndex)
	}
	return set, nil
}

// enqueueSnapshot marshals the entity as it is right now and records the
// outbox job in the same transaction as the write it mirrors.
func enqueueSnapshot(ctx context.Context, tx *sql.Tx, resource store.Resource, action store.JobAction, entity any) error {
	snapshot, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to snapshot %s payload: %w", resource, err)
	}
	return store.EnqueueJobTx(ctx, tx, resource, action, snapshot)
}
