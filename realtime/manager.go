// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package realtime maintains one logical "match changed, refetch" channel
// per match over two interchangeable transports: the backend change feed
// (primary) and a persistent socket (secondary). Any notification triggers a
// full refetch of consolidated match data; no partial patches are merged.
package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mobiletoly/scoresync/remote"
)

// State is the user-visible connection status.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFallback // secondary transport active because the primary failed
	StateError    // both transports failed; nothing left half-open
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFallback:
		return "fallback"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Mode selects which transports the manager may use.
type Mode int

const (
	ModeAuto Mode = iota // primary with automatic fallback to secondary
	ModePrimaryOnly
	ModeSecondaryOnly
)

// RefetchFunc is invoked on every change notification. Implementations
// refetch the consolidated match from the backend and merge it into the
// local store.
type RefetchFunc func(ctx context.Context, matchExternalID string)

// Config wires a Manager.
type Config struct {
	Client    *remote.Client // primary change-feed transport
	SocketURL string         // secondary transport endpoint (ws:// or wss://)
	Mode      Mode
	OnChange  RefetchFunc
	OnState   func(State) // optional state observer

	BackoffBase time.Duration // secondary reconnect base delay
	BackoffCap  time.Duration // secondary reconnect ceiling
	Logger      *slog.Logger
}

// DefaultBackoff returns the production reconnect schedule: base x attempts,
// capped.
const (
	DefaultBackoffBase = 3 * time.Second
	DefaultBackoffCap  = 30 * time.Second
)

// Manager owns the realtime subscription of a single match. All guard state
// lives on the instance; two managers (two matches, or production and test)
// never cross-contaminate.
type Manager struct {
	config Config
	logger *slog.Logger

	connectMu sync.Mutex // serializes connect attempts per instance

	mu      sync.Mutex
	state   State
	matchID string
	cancel  context.CancelFunc
	feed    *remote.Feed
	socket  *socketTransport
	gen     int // invalidates callbacks from torn-down subscriptions
}

// NewManager validates the config and returns a disconnected manager.
func NewManager(config Config) *Manager {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = DefaultBackoffBase
	}
	if config.BackoffCap <= 0 {
		config.BackoffCap = DefaultBackoffCap
	}
	return &Manager{config: config, logger: config.Logger, state: StateDisconnected}
}

// State reports the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start subscribes to change notifications for the match's remote id. An
// empty match id means "disabled": both transports are torn down and the
// manager rests at disconnected. Re-enabling never reuses a stale
// subscription object.
func (m *Manager) Start(ctx context.Context, matchExternalID string) {
	m.mu.Lock()
	m.teardownLocked()
	m.matchID = matchExternalID
	if matchExternalID == "" {
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	go m.connect(ctx, gen)
}

// Stop disables the subscription, synchronously closing both transports and
// clearing all reconnect timers.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.teardownLocked()
	m.matchID = ""
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
}

// Reconnect tears down and re-establishes the subscription for the current
// match.
func (m *Manager) Reconnect(ctx context.Context) {
	m.mu.Lock()
	matchID := m.matchID
	m.mu.Unlock()
	m.Start(ctx, matchID)
}

// SwitchMode changes the transport policy and reconnects.
func (m *Manager) SwitchMode(ctx context.Context, mode Mode) {
	m.mu.Lock()
	m.config.Mode = mode
	m.mu.Unlock()
	m.Reconnect(ctx)
}

// connect runs one connection attempt. In auto mode it falls over to the
// secondary exactly once; if both transports fail the state becomes error
// with nothing left half-open.
func (m *Manager) connect(ctx context.Context, gen int) {
	// Attempts queue up rather than getting dropped: a newer Start already
	// cancelled the older attempt's context at teardown, so the wait is
	// short, and the newest attempt always runs to a terminal state.
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.setState(gen, StateConnecting)

	m.mu.Lock()
	matchID := m.matchID
	mode := m.config.Mode
	m.mu.Unlock()
	if matchID == "" || ctx.Err() != nil {
		return
	}

	if mode == ModeAuto || mode == ModePrimaryOnly {
		if err := m.connectPrimary(ctx, gen, matchID); err == nil {
			m.setState(gen, StateConnected)
			return
		} else if mode == ModePrimaryOnly {
			m.logger.Warn("Primary transport failed", "match", matchID, "error", err)
			m.setState(gen, StateError)
			return
		} else {
			m.logger.Warn("Primary transport failed, falling back", "match", matchID, "error", err)
		}
	}

	if err := m.connectSecondary(ctx, gen, matchID); err != nil {
		m.logger.Warn("Secondary transport failed", "match", matchID, "error", err)
		m.setState(gen, StateError)
		return
	}
	if mode == ModeAuto {
		m.setState(gen, StateFallback)
	} else {
		m.setState(gen, StateConnected)
	}
}

func (m *Manager) connectPrimary(ctx context.Context, gen int, matchID string) error {
	feed, err := m.config.Client.OpenFeed(ctx, matchID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		feed.Close()
		return nil
	}
	m.feed = feed
	m.mu.Unlock()

	go func() {
		for range feed.Notifications() {
			if ctx.Err() != nil {
				return
			}
			m.notify(ctx, matchID)
		}
		// Feed ended. If we were not deliberately torn down, try the
		// secondary before giving up.
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("Change feed closed", "match", matchID, "error", feed.Err())
		m.failover(ctx, gen, matchID)
	}()
	return nil
}

func (m *Manager) failover(ctx context.Context, gen int, matchID string) {
	m.mu.Lock()
	mode := m.config.Mode
	stale := gen != m.gen
	m.mu.Unlock()
	if stale {
		return
	}

	m.setState(gen, StateConnecting)
	if mode != ModeAuto {
		m.setState(gen, StateError)
		return
	}
	if err := m.connectSecondary(ctx, gen, matchID); err != nil {
		m.logger.Warn("Fallback transport failed", "match", matchID, "error", err)
		m.setState(gen, StateError)
		return
	}
	m.setState(gen, StateFallback)
}

func (m *Manager) connectSecondary(ctx context.Context, gen int, matchID string) error {
	socket := newSocketTransport(m.config.SocketURL, matchID, socketOptions{
		backoffBase: m.config.BackoffBase,
		backoffCap:  m.config.BackoffCap,
		logger:      m.logger,
		onMessage: func() {
			if ctx.Err() == nil {
				m.notify(ctx, matchID)
			}
		},
	})
	if err := socket.connect(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		socket.close()
		return nil
	}
	m.socket = socket
	m.mu.Unlock()

	go socket.run(ctx)
	return nil
}

func (m *Manager) notify(ctx context.Context, matchID string) {
	if m.config.OnChange != nil {
		m.config.OnChange(ctx, matchID)
	}
}

// teardownLocked closes both transports and cancels pending reconnect
// timers. Callers hold m.mu.
func (m *Manager) teardownLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.feed != nil {
		m.feed.Close()
		m.feed = nil
	}
	if m.socket != nil {
		m.socket.close()
		m.socket = nil
	}
	m.gen++
}

func (m *Manager) setState(gen int, state State) {
	m.mu.Lock()
	if gen != m.gen && state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(state)
	m.mu.Unlock()
}

func (m *Manager) setStateLocked(state State) {
	if m.state == state {
		return
	}
	m.state = state
	if m.config.OnState != nil {
		go m.config.OnState(state)
	}
}
