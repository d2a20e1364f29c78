// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package store

import "sync"

// watchHub fans out committed-write notifications to registered watchers.
// Notifications are coalesced: each watcher channel has capacity one and a
// pending signal is never duplicated, so a slow reader sees at most one
// wakeup for any burst of writes.
type watchHub struct {
	mu       sync.Mutex
	watchers map[*watcher]bool
	closed   bool
}

type watcher struct {
	tables map[string]bool
	ch     chan struct{}
}

func newWatchHub() *watchHub {
	return &watchHub{watchers: make(map[*watcher]bool)}
}

func (h *watchHub) watch(tables ...string) (<-chan struct{}, func()) {
	w := &watcher{
		tables: make(map[string]bool, len(tables)),
		ch:     make(chan struct{}, 1),
	}
	for _, t := range tables {
		w.tables[t] = true
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(w.ch)
		return w.ch, func() {}
	}
	h.watchers[w] = true
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if !h.closed {
				delete(h.watchers, w)
				close(w.ch)
			}
			h.mu.Unlock()
		})
	}
	return w.ch, cancel
}

func (h *watchHub) notify(tables ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.watchers {
		for _, t := range tables {
			if w.tables[t] {
				select {
				case w.ch <- struct{}{}:
				default: // already pending
				}
				break
			}
		}
	}
}

func (h *watchHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for w := range h.watchers {
		close(w.ch)
	}
	h.watchers = nil
}
