// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// feedHub fans one NOTIFY stream out to per-match SSE subscribers.
type feedHub struct {
	mu   sync.Mutex
	subs map[string]map[chan string]bool
}

func newFeedHub() *feedHub {
	return &feedHub{subs: make(map[string]map[chan string]bool)}
}

func (h *feedHub) subscribe(matchExternalID string) chan string {
	ch := make(chan string, 8)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[matchExternalID] == nil {
		h.subs[matchExternalID] = make(map[chan string]bool)
	}
	h.subs[matchExternalID][ch] = true
	return ch
}

func (h *feedHub) unsubscribe(matchExternalID string, ch chan string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set := h.subs[matchExternalID]; set != nil {
		delete(set, ch)
		if len(set) == 0 {
			delete(h.subs, matchExternalID)
		}
	}
}

func (h *feedHub) publish(matchExternalID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[matchExternalID] {
		select {
		case ch <- matchExternalID:
		default:
			// Subscriber is not keeping up. Signals are coalescing anyway
			// (every one means "refetch"), so dropping loses nothing.
		}
	}
}

// RunListener holds a dedicated connection on LISTEN match_changed and feeds
// notifications into the hub. It blocks until ctx is cancelled, reconnecting
// when the connection drops.
func (s *Service) RunListener(ctx context.Context) error {
	for {
		if err := s.listenOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("Change-feed listener lost connection, reconnecting",
				slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func (s *Service) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN match_changed`); err != nil {
		return fmt.Errorf("failed to LISTEN: %w", err)
	}
	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.feed.publish(notification.Payload)
	}
}

// HandleFeed streams change notifications for one match as server-sent
// events: a "data:" line per change, comment heartbeats in between so idle
// streams survive proxies.
func (s *Service) HandleFeed(w http.ResponseWriter, r *http.Request) {
	matchID := r.URL.Query().Get("match")
	if matchID == "" {
		http.Error(w, "match query parameter required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.feed.subscribe(matchID)
	defer s.feed.unsubscribe(matchID, ch)

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case id := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", id)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}
