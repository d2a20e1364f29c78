// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 25 * time.Second
	writeWait        = 10 * time.Second
)

type socketOptions struct {
	backoffBase time.Duration
	backoffCap  time.Duration
	logger      *slog.Logger
	onMessage   func()
}

// socketTransport is the secondary transport: a persistent websocket with an
// explicit subscribe message. After the initial connect it reconnects on its
// own with linear backoff (base delay x attempt count, capped), resetting
// the counter on success.
type socketTransport struct {
	url     string
	matchID string
	opts    socketOptions

	mu     sync.Mutex
	conn   *websocket.Conn
	closed atomic.Bool
}

func newSocketTransport(url, matchID string, opts socketOptions) *socketTransport {
	return &socketTransport{url: url, matchID: matchID, opts: opts}
}

// connect dials and subscribes once. The caller decides what a first-attempt
// failure means (fallback bookkeeping); reconnects after an established
// session are this transport's own business.
func (t *socketTransport) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial socket: %w", err)
	}

	sub := Message{Type: MsgSubscribeMatch, MatchID: t.matchID}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(&sub); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send subscribe message: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

// run reads the established connection and keeps the session alive across
// drops until close or context cancellation.
func (t *socketTransport) run(ctx context.Context) {
	attempts := 0
	for {
		err := t.readLoop(ctx)
		if t.closed.Load() || ctx.Err() != nil {
			return
		}
		attempts++
		delay := t.backoffDelay(attempts)
		t.opts.logger.Warn("Socket dropped, reconnecting",
			"match", t.matchID, "attempt", attempts, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := t.connect(ctx); err != nil {
			continue // next iteration backs off longer
		}
		attempts = 0
	}
}

func (t *socketTransport) backoffDelay(attempts int) time.Duration {
	d := t.opts.backoffBase * time.Duration(attempts)
	if d > t.opts.backoffCap {
		d = t.opts.backoffCap
	}
	return d
}

func (t *socketTransport) readLoop(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("socket not connected")
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Liveness pings; the far side answers with pongs that extend the read
	// deadline above.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.opts.logger.Debug("Ignoring malformed socket message", "error", err)
			continue
		}
		switch msg.Type {
		case MsgMatchDataUpdate, MsgMatchFullData:
			if msg.MatchID == "" || msg.MatchID == t.matchID {
				t.opts.onMessage()
			}
		default:
			// Other action messages are equivalent triggers too.
			if msg.Type != "" {
				t.opts.onMessage()
			}
		}
	}
}

// close shuts the transport down for good; run exits without reconnecting.
func (t *socketTransport) close() {
	t.closed.Store(true)
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()
}
