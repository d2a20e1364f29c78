// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/scoresync/eventlog"
	"github.com/mobiletoly/scoresync/remote"
	"github.com/mobiletoly/scoresync/store"
)

// fakeBackend is an in-memory stand-in for the sync backend. It records every
// upsert in arrival order and can be told to fail specific resources.
type fakeBackend struct {
	mu      sync.Mutex
	upserts []remote.UpsertRequest
	rows    map[string]json.RawMessage
	failing map[store.Resource]bool
	healthz int
	server  *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		rows:    make(map[string]json.RawMessage),
		failing: make(map[store.Resource]bool),
		healthz: http.StatusOK,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/upsert", func(w http.ResponseWriter, r *http.Request) {
		var req remote.UpsertRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		fail := b.failing[req.Resource]
		applied := true
		if !fail {
			b.upserts = append(b.upserts, req)
			// Mirror the real backend's conflict keys: events are keyed by
			// (match, seq) and never overwritten, everything else is keyed
			// by externalId and last-write-wins.
			var fields struct {
				ExternalID string `json:"externalId"`
				MatchID    string `json:"matchId"`
				Seq        int64  `json:"seq"`
			}
			_ = json.Unmarshal(req.Payload, &fields)
			key := string(req.Resource) + "/" + fields.ExternalID
			if req.Resource == store.ResourceEvent {
				key = fmt.Sprintf("event/%s/%d", fields.MatchID, fields.Seq)
				if _, exists := b.rows[key]; exists {
					applied = false
				} else {
					b.rows[key] = req.Payload
				}
			} else {
				b.rows[key] = req.Payload
			}
		}
		b.mu.Unlock()
		if fail {
			http.Error(w, "induced failure", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(remote.UpsertResponse{Applied: applied})
	})
	mux.HandleFunc("GET /v1/healthz", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		code := b.healthz
		b.mu.Unlock()
		w.WriteHeader(code)
	})
	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBackend) setFailing(resource store.Resource, fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing[resource] = fail
}

func (b *fakeBackend) setHealthz(code int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthz = code
}

func (b *fakeBackend) received() []remote.UpsertRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]remote.UpsertRequest, len(b.upserts))
	copy(out, b.upserts)
	return out
}

func (b *fakeBackend) remoteRows() map[string]json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]json.RawMessage, len(b.rows))
	for k, v := range b.rows {
		out[k] = v
	}
	return out
}

func (b *fakeBackend) payloadField(t *testing.T, idx int, field string) any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(b.received()[idx].Payload, &payload))
	return payload[field]
}

func newTestDrainer(t *testing.T, backend *fakeBackend) (*Drainer, *store.Store, *eventlog.Log) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	client := remote.NewClient(backend.server.URL, nil, nil)
	d := NewDrainer(st, client, DefaultConfig(), nil)
	return d, st, eventlog.New(st, nil)
}

func TestDrainResolvesReferencesInOrder(t *testing.T) {
	backend := newFakeBackend(t)
	d, st, log := newTestDrainer(t, backend)
	ctx := context.Background()

	home := &store.Team{Name: "Home"}
	away := &store.Team{Name: "Away"}
	require.NoError(t, log.SaveTeam(ctx, home))
	require.NoError(t, log.SaveTeam(ctx, away))
	player := &store.Player{TeamID: home.ID, Number: 9}
	require.NoError(t, log.SavePlayer(ctx, player))
	match := &store.Match{HomeTeamID: home.ID, AwayTeamID: away.ID}
	require.NoError(t, log.CreateMatch(ctx, match))

	sent, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, sent)
	require.Equal(t, remote.StatusOk, d.Status())

	got := backend.received()
	require.Len(t, got, 4)
	// Teams flush before the player and match that reference them.
	require.Equal(t, store.ResourceTeam, got[0].Resource)
	require.Equal(t, store.ResourceTeam, got[1].Resource)
	require.Equal(t, store.ResourcePlayer, got[2].Resource)
	require.Equal(t, store.ResourceMatch, got[3].Resource)

	// Local ids were rewritten to external ids at flush time.
	require.Equal(t, home.ExternalID, backend.payloadField(t, 2, "teamId"))
	require.Equal(t, home.ExternalID, backend.payloadField(t, 3, "homeTeamId"))
	require.Equal(t, away.ExternalID, backend.payloadField(t, 3, "awayTeamId"))

	// Everything sent; the queue is empty and a second drain is a no-op.
	jobs, err := st.QueuedJobs(ctx)
	require.NoError(t, err)
	require.Empty(t, jobs)
	sent, err = d.DrainOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, sent)
	require.Len(t, backend.received(), 4)
}

func TestUnresolvableReferenceDegradesToNull(t *testing.T) {
	backend := newFakeBackend(t)
	d, st, _ := newTestDrainer(t, backend)
	ctx := context.Background()

	// A player whose team row no longer exists locally.
	payload := json.RawMessage(`{"id":"p1","externalId":"ext-p1","teamId":"gone","number":5}`)
	require.NoError(t, st.WithTx(ctx, []string{"outbox"}, func(tx *sql.Tx) error {
		return store.EnqueueJobTx(ctx, tx, store.ResourcePlayer, store.ActionInsert, payload)
	}))

	sent, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Nil(t, backend.payloadField(t, 0, "teamId"))
}

func TestDrainSkipsUnlessBackendOk(t *testing.T) {
	backend := newFakeBackend(t)
	backend.setHealthz(http.StatusServiceUnavailable)
	d, st, log := newTestDrainer(t, backend)
	ctx := context.Background()

	require.NoError(t, log.SaveTeam(ctx, &store.Team{Name: "Home"}))

	sent, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, sent)
	require.Equal(t, remote.StatusNotConfigured, d.Status())
	require.Empty(t, backend.received())

	// Jobs were not touched by the failed probe.
	jobs, err := st.QueuedJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	backend.setHealthz(http.StatusOK)
	sent, err = d.DrainOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Equal(t, remote.StatusOk, d.Status())
}

func TestJobFailureDoesNotBlockSiblings(t *testing.T) {
	backend := newFakeBackend(t)
	backend.setFailing(store.ResourcePlayer, true)
	d, st, log := newTestDrainer(t, backend)
	ctx := context.Background()

	team := &store.Team{Name: "Home"}
	require.NoError(t, log.SaveTeam(ctx, team))
	require.NoError(t, log.SavePlayer(ctx, &store.Player{TeamID: team.ID, Number: 2}))
	require.NoError(t, log.SaveTeam(ctx, &store.Team{Name: "Away"}))

	sent, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, sent) // both teams despite the player failure

	errored, err := d.Errored(ctx)
	require.NoError(t, err)
	require.Len(t, errored, 1)
	require.Equal(t, store.ResourcePlayer, errored[0].Resource)
	require.Contains(t, errored[0].Error, "500")

	// After the operator retries, the same job drains successfully.
	backend.setFailing(store.ResourcePlayer, false)
	require.NoError(t, st.RetryJob(ctx, errored[0].ID))
	sent, err = d.DrainOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)

	errored, err = d.Errored(ctx)
	require.NoError(t, err)
	require.Empty(t, errored)
}

func TestEventJobCarriesMatchExternalID(t *testing.T) {
	backend := newFakeBackend(t)
	d, _, log := newTestDrainer(t, backend)
	ctx := context.Background()

	home := &store.Team{Name: "Home"}
	away := &store.Team{Name: "Away"}
	require.NoError(t, log.SaveTeam(ctx, home))
	require.NoError(t, log.SaveTeam(ctx, away))
	match := &store.Match{HomeTeamID: home.ID, AwayTeamID: away.ID}
	require.NoError(t, log.CreateMatch(ctx, match))
	require.NoError(t, log.StartMatch(ctx, match.ID))
	_, err := log.Append(ctx, match.ID, 1, store.EventPoint, eventlog.PointPayload{Team: eventlog.SideHome})
	require.NoError(t, err)

	_, err = d.DrainOnce(ctx)
	require.NoError(t, err)

	got := backend.received()
	eventIdx := -1
	for i, req := range got {
		if req.Resource == store.ResourceEvent {
			eventIdx = i
		}
	}
	require.GreaterOrEqual(t, eventIdx, 0)
	require.Equal(t, match.ExternalID, backend.payloadField(t, eventIdx, "matchId"))
	require.EqualValues(t, 1, backend.payloadField(t, eventIdx, "seq"))
}

func TestResendingSamePayloadKeepsOneRemoteRow(t *testing.T) {
	backend := newFakeBackend(t)
	d, st, log := newTestDrainer(t, backend)
	ctx := context.Background()

	home := &store.Team{Name: "Home"}
	away := &store.Team{Name: "Away"}
	require.NoError(t, log.SaveTeam(ctx, home))
	require.NoError(t, log.SaveTeam(ctx, away))
	match := &store.Match{HomeTeamID: home.ID, AwayTeamID: away.ID}
	require.NoError(t, log.CreateMatch(ctx, match))
	require.NoError(t, log.StartMatch(ctx, match.ID))
	_, err := log.Append(ctx, match.ID, 1, store.EventPoint, eventlog.PointPayload{Team: eventlog.SideHome})
	require.NoError(t, err)

	// Snapshot the queued payloads so the exact same jobs can be replayed,
	// as happens when an ack is lost and the client resubmits.
	queued, err := st.QueuedJobs(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, queued)

	_, err = d.DrainOnce(ctx)
	require.NoError(t, err)
	first := backend.remoteRows()
	require.NotEmpty(t, first)

	require.NoError(t, st.WithTx(ctx, []string{"outbox"}, func(tx *sql.Tx) error {
		for _, job := range queued {
			if err := store.EnqueueJobTx(ctx, tx, job.Resource, job.Action, job.Payload); err != nil {
				return err
			}
		}
		return nil
	}))
	sent, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, len(queued), sent)

	// Same rows, same content: upserts replaced in place, the event hit its
	// (match, seq) key and was ignored.
	second := backend.remoteRows()
	require.Len(t, second, len(first))
	for key, row := range first {
		require.JSONEq(t, string(row), string(second[key]))
	}
}

func TestDrainerSurvivesImmediateStop(t *testing.T) {
	backend := newFakeBackend(t)
	d, _, _ := newTestDrainer(t, backend)

	// Stop racing a fresh Start must wait for that loop, not close a
	// channel the loop never saw.
	for i := 0; i < 100; i++ {
		d.Start(context.Background())
		d.Stop()
	}
}

func TestDrainObservationsReachPrometheus(t *testing.T) {
	backend := newFakeBackend(t)
	d, _, log := newTestDrainer(t, backend)
	ctx := context.Background()

	reg := prometheus.NewRegistry()
	m := NewPromMetrics(reg)
	d.SetMetrics(m)

	require.NoError(t, log.SaveTeam(ctx, &store.Team{Name: "Home"}))
	sent, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)

	require.EqualValues(t, 1, testutil.ToFloat64(m.jobsSent))
	require.EqualValues(t, 0, testutil.ToFloat64(m.jobsErrored))
	require.EqualValues(t, 1, testutil.ToFloat64(m.status.WithLabelValues("ok")))

	backend.setHealthz(http.StatusServiceUnavailable)
	_, err = d.DrainOnce(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, testutil.ToFloat64(m.status.WithLabelValues("ok")))
	require.EqualValues(t, 1, testutil.ToFloat64(m.status.WithLabelValues("not_configured")))
}
