// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mobiletoly/scoresync/store"
)

// ReplaySetPoints recomputes a set's point totals from its ordered point
// events. The log is authoritative: the result must equal the cached totals
// on the set row at all times.
func (l *Log) ReplaySetPoints(ctx context.Context, matchID string, setIndex int) (home, away int, err error) {
	events, err := l.store.EventsBySet(ctx, matchID, setIndex)
	if err != nil {
		return 0, 0, err
	}
	for _, event := range events {
		if event.Type != store.EventPoint {
			continue
		}
		var p PointPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return 0, 0, fmt.Errorf("failed to parse point event seq %d: %w", event.Seq, err)
		}
		delta := p.Delta
		if delta == 0 {
			delta = 1
		}
		if p.Team == SideHome {
			home += delta
		} else {
			away += delta
		}
	}
	return home, away, nil
}

// VerifyMatch replays every set of a match and reports the first set whose
// cached totals diverge from the log. A nil error means the caches are
// consistent.
func (l *Log) VerifyMatch(ctx context.Context, matchID string) error {
	sets, err := l.store.SetsByMatch(ctx, matchID)
	if err != nil {
		return err
	}
	for _, set := range sets {
		home, away, err := l.ReplaySetPoints(ctx, matchID, set.Index)
		if err != nil {
			return err
		}
		if home != set.HomePoints || away != set.AwayPoints {
			return fmt.Errorf("set %d cache (%d-%d) diverges from replay (%d-%d)",
				set.Index, set.HomePoints, set.AwayPoints, home, away)
		}
	}
	return nil
}
