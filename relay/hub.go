// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package relay is the companion local process that fans match updates out
// to bench and scoreboard devices on the venue network, with no cloud
// round-trip. It serves the server half of the secondary transport protocol.
package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mobiletoly/scoresync/realtime"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
)

// Hub routes socket messages between publishers (the scoring device) and
// subscribers (everyone else watching a match).
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[string]map[*session]bool // match id -> sessions

	clients prometheus.Gauge
}

// NewHub creates a hub and registers its metrics on reg (nil skips
// registration).
func NewHub(logger *slog.Logger, reg prometheus.Registerer) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			// Bench devices connect from venue-network origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs: make(map[string]map[*session]bool),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scoresync_relay_clients",
			Help: "Currently connected relay clients.",
		}),
	}
	if reg != nil {
		reg.MustRegister(h.clients)
	}
	return h
}

// HandleWS upgrades the request and serves the session until it drops.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", "remote", r.RemoteAddr, "error", err)
		return
	}
	s := &session{hub: h, conn: conn, send: make(chan []byte, 16)}
	h.clients.Inc()
	go s.writeLoop()
	s.readLoop()
}

func (h *Hub) subscribe(s *session, matchID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.matchID != "" {
		delete(h.subs[s.matchID], s)
	}
	s.matchID = matchID
	if h.subs[matchID] == nil {
		h.subs[matchID] = make(map[*session]bool)
	}
	h.subs[matchID][s] = true
}

func (h *Hub) unsubscribe(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.matchID != "" {
		delete(h.subs[s.matchID], s)
		if len(h.subs[s.matchID]) == 0 {
			delete(h.subs, s.matchID)
		}
	}
}

// broadcast delivers a data message to every subscriber of the match except
// the sender. Slow subscribers are dropped rather than allowed to stall the
// hub.
func (h *Hub) broadcast(from *session, matchID string, data []byte) {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.subs[matchID]))
	for s := range h.subs[matchID] {
		if s != from {
			sessions = append(sessions, s)
		}
	}
	h.mu.Unlock()

	for _, s := range sessions {
		if !s.push(data) {
			h.logger.Warn("Dropping unreachable relay subscriber", "match", matchID)
			s.conn.Close()
		}
	}
}

type session struct {
	hub     *Hub
	conn    *websocket.Conn
	matchID string

	sendMu sync.Mutex
	closed bool
	send   chan []byte
}

// push hands data to the write loop. The closed flag shares a mutex with
// close so a broadcast can never send on a channel the exiting read loop
// already closed. Returns false when the session is gone or its buffer full.
func (s *session) push(data []byte) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *session) shutdown() {
	s.sendMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
	s.sendMu.Unlock()
}

func (s *session) readLoop() {
	defer func() {
		s.hub.unsubscribe(s)
		s.hub.clients.Dec()
		s.conn.Close()
		s.shutdown()
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg realtime.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.hub.logger.Debug("Ignoring malformed relay message", "error", err)
			continue
		}
		switch msg.Type {
		case realtime.MsgSubscribeMatch:
			if msg.MatchID != "" {
				s.hub.subscribe(s, msg.MatchID)
			}
		case realtime.MsgMatchDataUpdate, realtime.MsgMatchFullData:
			if msg.MatchID != "" {
				s.hub.broadcast(s, msg.MatchID, data)
			}
		}
	}
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
