// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/scoresync/realtime"
)

func newHubServer(t *testing.T) *httptest.Server {
	t.Helper()
	hub := NewHub(nil, nil)
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func subscribe(t *testing.T, conn *websocket.Conn, matchID string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(&realtime.Message{
		Type:    realtime.MsgSubscribeMatch,
		MatchID: matchID,
	}))
}

func readMessage(t *testing.T, conn *websocket.Conn) realtime.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg realtime.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestBroadcastReachesSubscribersOnly(t *testing.T) {
	server := newHubServer(t)

	scorer := dial(t, server)
	board := dial(t, server)
	other := dial(t, server)

	subscribe(t, scorer, "m-1")
	subscribe(t, board, "m-1")
	subscribe(t, other, "m-2")
	time.Sleep(50 * time.Millisecond) // let subscriptions register

	payload := json.RawMessage(`{"homePoints":7,"awayPoints":4}`)
	require.NoError(t, scorer.WriteJSON(&realtime.Message{
		Type:    realtime.MsgMatchDataUpdate,
		MatchID: "m-1",
		Data:    payload,
	}))

	got := readMessage(t, board)
	require.Equal(t, realtime.MsgMatchDataUpdate, got.Type)
	require.Equal(t, "m-1", got.MatchID)
	require.JSONEq(t, string(payload), string(got.Data))

	// The other match's subscriber hears nothing.
	other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := other.ReadMessage()
	require.Error(t, err)
}

func TestSenderDoesNotEchoItself(t *testing.T) {
	server := newHubServer(t)

	scorer := dial(t, server)
	subscribe(t, scorer, "m-1")
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, scorer.WriteJSON(&realtime.Message{
		Type:    realtime.MsgMatchFullData,
		MatchID: "m-1",
		Data:    json.RawMessage(`{}`),
	}))

	scorer.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := scorer.ReadMessage()
	require.Error(t, err)
}

func TestResubscribeMovesSession(t *testing.T) {
	server := newHubServer(t)

	scorer := dial(t, server)
	board := dial(t, server)
	subscribe(t, scorer, "m-1")
	subscribe(t, board, "m-1")
	time.Sleep(50 * time.Millisecond)

	// The board switches to a different match mid-session.
	subscribe(t, board, "m-2")
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, scorer.WriteJSON(&realtime.Message{
		Type:    realtime.MsgMatchDataUpdate,
		MatchID: "m-1",
		Data:    json.RawMessage(`{}`),
	}))

	board.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := board.ReadMessage()
	require.Error(t, err)
}

func TestMalformedMessagesIgnored(t *testing.T) {
	server := newHubServer(t)

	scorer := dial(t, server)
	board := dial(t, server)
	subscribe(t, scorer, "m-1")
	subscribe(t, board, "m-1")
	time.Sleep(50 * time.Millisecond)

	// Garbage must not kill the session.
	require.NoError(t, scorer.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, scorer.WriteJSON(&realtime.Message{
		Type:    realtime.MsgMatchDataUpdate,
		MatchID: "m-1",
		Data:    json.RawMessage(`{"ok":true}`),
	}))

	got := readMessage(t, board)
	require.JSONEq(t, `{"ok":true}`, string(got.Data))
}

func TestSessionPushAfterShutdown(t *testing.T) {
	s := &session{send: make(chan []byte, 4)}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				s.push([]byte("update"))
			}
		}()
	}
	s.shutdown()
	s.shutdown() // idempotent
	wg.Wait()
	require.False(t, s.push([]byte("update")))
}

func TestBroadcastSurvivesSubscriberChurn(t *testing.T) {
	server := newHubServer(t)
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	scorer := dial(t, server)
	subscribe(t, scorer, "m-1")
	time.Sleep(50 * time.Millisecond)

	// Subscribers that vanish right after subscribing, overlapping the
	// scorer's update stream.
	churnDone := make(chan struct{})
	go func() {
		defer close(churnDone)
		for i := 0; i < 40; i++ {
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			if err != nil {
				continue
			}
			_ = conn.WriteJSON(&realtime.Message{Type: realtime.MsgSubscribeMatch, MatchID: "m-1"})
			conn.Close()
		}
	}()

	payload := json.RawMessage(`{"homePoints":1,"awayPoints":0}`)
	for i := 0; i < 200; i++ {
		require.NoError(t, scorer.WriteJSON(&realtime.Message{
			Type:    realtime.MsgMatchDataUpdate,
			MatchID: "m-1",
			Data:    payload,
		}))
	}
	<-churnDone

	// The hub is still alive and relaying.
	board := dial(t, server)
	subscribe(t, board, "m-1")
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, scorer.WriteJSON(&realtime.Message{
		Type:    realtime.MsgMatchDataUpdate,
		MatchID: "m-1",
		Data:    payload,
	}))
	got := readMessage(t, board)
	require.Equal(t, realtime.MsgMatchDataUpdate, got.Type)
}
