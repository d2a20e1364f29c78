// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// PeriodicWriter produces timestamped snapshot files on a timer plus
// lifecycle triggers (set end, match end, manual backup). Any trigger
// counts as "the" backup for the current interval, so a manual download
// right before the timer does not double-fire it.
type PeriodicWriter struct {
	exporter func(ctx context.Context) (*Snapshot, error)
	dir      string
	prefix   string
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	lastWrite time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// PeriodicWriterConfig wires a PeriodicWriter.
type PeriodicWriterConfig struct {
	Exporter func(ctx context.Context) (*Snapshot, error)
	Dir      string        // where timestamped files land
	Prefix   string        // file name prefix, e.g. the match id
	Interval time.Duration // minimum time between timer-driven snapshots
	Logger   *slog.Logger
}

// NewPeriodicWriter validates the config.
func NewPeriodicWriter(config PeriodicWriterConfig) (*PeriodicWriter, error) {
	if config.Exporter == nil {
		return nil, errors.New("exporter is required")
	}
	if config.Dir == "" {
		return nil, errors.New("dir is required")
	}
	if config.Interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if config.Prefix == "" {
		config.Prefix = "match"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &PeriodicWriter{
		exporter: config.Exporter,
		dir:      config.Dir,
		prefix:   config.Prefix,
		interval: config.Interval,
		logger:   config.Logger,
	}, nil
}

// Start launches the timer loop. The timer checks frequently but only
// writes once the interval has elapsed since the last snapshot from any
// trigger.
func (w *PeriodicWriter) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	go w.loop(ctx, done)
}

// Stop halts the timer loop.
func (w *PeriodicWriter) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// loop receives done by value so a concurrent Stop, which nils the field,
// cannot leave the defer closing a nil channel.
func (w *PeriodicWriter) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	tick := w.interval / 4
	if tick < time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			due := time.Since(w.lastWrite) >= w.interval
			w.mu.Unlock()
			if !due {
				continue
			}
			if err := w.Trigger(ctx, "interval"); err != nil && ctx.Err() == nil {
				w.logger.Error("Periodic backup failed", "error", err)
			}
		}
	}
}

// Trigger writes a snapshot now. Lifecycle callers pass "set_end",
// "match_end" or "manual"; the timer passes "interval". Every successful
// write resets the interval clock.
func (w *PeriodicWriter) Trigger(ctx context.Context, reason string) error {
	snap, err := w.exporter(ctx)
	if err != nil {
		return err
	}
	data, err := Encode(snap)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("%s-%s.json", w.prefix, time.Now().Format("20060102-150405"))
	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot %s: %w", name, err)
	}

	w.mu.Lock()
	w.lastWrite = time.Now()
	w.mu.Unlock()
	w.logger.Info("Snapshot written", "path", path, "reason", reason)
	return nil
}
