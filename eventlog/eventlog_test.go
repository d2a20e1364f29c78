// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/scoresync/store"
)

func newTestLog(t *testing.T) (*Log, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, nil), st
}

// newLiveMatch creates two teams and a live match with set 1 open.
func newLiveMatch(t *testing.T, l *Log) *store.Match {
	t.Helper()
	ctx := context.Background()

	home := &store.Team{Name: "Home"}
	away := &store.Team{Name: "Away"}
	require.NoError(t, l.SaveTeam(ctx, home))
	require.NoError(t, l.SaveTeam(ctx, away))

	match := &store.Match{HomeTeamID: home.ID, AwayTeamID: away.ID}
	require.NoError(t, l.CreateMatch(ctx, match))
	require.NoError(t, l.StartMatch(ctx, match.ID))
	return match
}

func TestAppendAssignsGaplessSeq(t *testing.T) {
	l, st := newTestLog(t)
	ctx := context.Background()
	match := newLiveMatch(t, l)

	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, match.ID, 1, store.EventPoint, PointPayload{Team: SideHome})
		require.NoError(t, err)
	}

	events, err := st.EventsByMatch(ctx, match.ID)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		require.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestAppendConcurrentNoSeqCollision(t *testing.T) {
	l, st := newTestLog(t)
	ctx := context.Background()
	match := newLiveMatch(t, l)

	const writers = 8
	errCh := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Append(ctx, match.ID, 1, store.EventPoint, PointPayload{Team: SideAway})
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	events, err := st.EventsByMatch(ctx, match.ID)
	require.NoError(t, err)
	require.Len(t, events, writers)
	seen := make(map[int64]bool)
	for _, ev := range events {
		require.False(t, seen[ev.Seq], "duplicate seq %d", ev.Seq)
		seen[ev.Seq] = true
		require.GreaterOrEqual(t, ev.Seq, int64(1))
		require.LessOrEqual(t, ev.Seq, int64(writers))
	}
}

func TestPointUpdatesCachedScore(t *testing.T) {
	l, st := newTestLog(t)
	ctx := context.Background()
	match := newLiveMatch(t, l)

	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, match.ID, 1, store.EventPoint, PointPayload{Team: SideHome})
		require.NoError(t, err)
	}
	_, err := l.Append(ctx, match.ID, 1, store.EventPoint, PointPayload{Team: SideAway})
	require.NoError(t, err)
	// Score correction: take one home point back.
	_, err = l.Append(ctx, match.ID, 1, store.EventPoint, PointPayload{Team: SideHome, Delta: -1})
	require.NoError(t, err)

	set, err := st.GetSet(ctx, match.ID, 1)
	require.NoError(t, err)
	require.Equal(t, 2, set.HomePoints)
	require.Equal(t, 1, set.AwayPoints)

	home, away, err := l.ReplaySetPoints(ctx, match.ID, 1)
	require.NoError(t, err)
	require.Equal(t, set.HomePoints, home)
	require.Equal(t, set.AwayPoints, away)
	require.NoError(t, l.VerifyMatch(ctx, match.ID))
}

func TestSetEndOpensNextSet(t *testing.T) {
	l, st := newTestLog(t)
	ctx := context.Background()
	match := newLiveMatch(t, l)

	_, err := l.Append(ctx, match.ID, 1, store.EventSetEnd, SetEndPayload{})
	require.NoError(t, err)

	first, err := st.GetSet(ctx, match.ID, 1)
	require.NoError(t, err)
	require.True(t, first.Finished)
	require.NotNil(t, first.FinishedAt)

	second, err := st.GetSet(ctx, match.ID, 2)
	require.NoError(t, err)
	require.False(t, second.Finished)

	// A finished set refuses further scoring.
	_, err = l.Append(ctx, match.ID, 1, store.EventPoint, PointPayload{Team: SideHome})
	require.ErrorIs(t, err, ErrSetNotOpen)
}

func TestFinalSetEndFinishesMatch(t *testing.T) {
	l, st := newTestLog(t)
	ctx := context.Background()
	match := newLiveMatch(t, l)

	_, err := l.Append(ctx, match.ID, 1, store.EventSetEnd, SetEndPayload{Final: true})
	require.NoError(t, err)

	got, err := st.GetMatch(ctx, match.ID)
	require.NoError(t, err)
	require.Equal(t, store.MatchFinal, got.Status)

	// No set 2 was opened.
	_, err = st.GetSet(ctx, match.ID, 2)
	require.Error(t, err)

	// Scoring a final match is rejected, but remarks still go through.
	_, err = l.Append(ctx, match.ID, 1, store.EventPoint, PointPayload{Team: SideHome})
	require.ErrorIs(t, err, ErrMatchFinal)
	_, err = l.Append(ctx, match.ID, 1, store.EventRemark, RemarkPayload{Text: "protest noted"})
	require.NoError(t, err)
}

func TestFifthSetEndAlwaysFinal(t *testing.T) {
	l, st := newTestLog(t)
	ctx := context.Background()
	match := newLiveMatch(t, l)

	for idx := 1; idx <= 5; idx++ {
		_, err := l.Append(ctx, match.ID, idx, store.EventSetEnd, SetEndPayload{})
		require.NoError(t, err)
	}

	got, err := st.GetMatch(ctx, match.ID)
	require.NoError(t, err)
	require.Equal(t, store.MatchFinal, got.Status)
}

func TestLineupAndSubstitution(t *testing.T) {
	l, st := newTestLog(t)
	ctx := context.Background()
	match := newLiveMatch(t, l)

	_, err := l.Append(ctx, match.ID, 1, store.EventLineup, LineupPayload{
		Team:    SideHome,
		Numbers: []int{1, 4, 7, 9, 11, 14},
	})
	require.NoError(t, err)

	_, err = l.Append(ctx, match.ID, 1, store.EventSubstitution, SubstitutionPayload{
		Team: SideHome,
		Out:  7,
		In:   16,
	})
	require.NoError(t, err)

	set, err := st.GetSet(ctx, match.ID, 1)
	require.NoError(t, err)
	var lu struct {
		Home []int `json:"home"`
		Away []int `json:"away"`
	}
	require.NoError(t, json.Unmarshal(set.Lineup, &lu))
	require.Equal(t, []int{1, 4, 16, 9, 11, 14}, lu.Home)
	require.Empty(t, lu.Away)

	// Substituting a player who is not on court fails and rolls back.
	_, err = l.Append(ctx, match.ID, 1, store.EventSubstitution, SubstitutionPayload{
		Team: SideHome,
		Out:  99,
		In:   3,
	})
	require.Error(t, err)
	events, err := st.EventsByMatch(ctx, match.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestAppendEnqueuesOutboxJobs(t *testing.T) {
	l, st := newTestLog(t)
	ctx := context.Background()
	match := newLiveMatch(t, l)

	before, err := st.QueuedJobs(ctx)
	require.NoError(t, err)

	_, err = l.Append(ctx, match.ID, 1, store.EventPoint, PointPayload{Team: SideHome})
	require.NoError(t, err)

	after, err := st.QueuedJobs(ctx)
	require.NoError(t, err)
	// One event job plus one set update job per point.
	require.Len(t, after, len(before)+2)

	var kinds []store.Resource
	for _, job := range after[len(before):] {
		kinds = append(kinds, job.Resource)
	}
	require.ElementsMatch(t, []store.Resource{store.ResourceEvent, store.ResourceSet}, kinds)
}

func TestAppendUnknownSet(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	match := newLiveMatch(t, l)

	_, err := l.Append(ctx, match.ID, 3, store.EventPoint, PointPayload{Team: SideHome})
	require.ErrorIs(t, err, ErrSetNotOpen)
}

func TestSignStoresSignatureAndJob(t *testing.T) {
	l, st := newTestLog(t)
	ctx := context.Background()
	match := newLiveMatch(t, l)

	sig := &Signature{MatchID: match.ID, Role: "referee", Name: "A. Meyer"}
	require.NoError(t, l.Sign(ctx, sig))

	got, err := st.GetMatch(ctx, match.ID)
	require.NoError(t, err)
	var stored map[string]*Signature
	require.NoError(t, json.Unmarshal(got.Signatures, &stored))
	require.Contains(t, stored, "referee")
	require.Equal(t, "A. Meyer", stored["referee"].Name)
	require.False(t, stored["referee"].SignedAt.IsZero())

	require.Error(t, l.Sign(ctx, &Signature{MatchID: match.ID, Role: "coach"}))
}

func TestStartMatchTwiceFails(t *testing.T) {
	l, _ := newTestLog(t)
	match := newLiveMatch(t, l)

	err := l.StartMatch(context.Background(), match.ID)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrMatchFinal))
}
