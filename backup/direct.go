// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DirectWriter keeps one per-match backup file continuously current: every
// committed change to the match's local state schedules a debounced
// overwrite of the same file. A writability check precedes every write; loss
// of permission clears the stored location and surfaces the error instead of
// silently dropping data.
type DirectWriter struct {
	exporter func(ctx context.Context) (*Snapshot, error)
	watch    func() (<-chan struct{}, func())
	debounce time.Duration
	logger   *slog.Logger
	onError  func(error)

	mu     sync.Mutex
	path   string
	timer  *time.Timer
	cancel func()
	done   chan struct{}
}

// DirectWriterConfig wires a DirectWriter.
type DirectWriterConfig struct {
	// Exporter produces the snapshot to persist (usually backup.Export bound
	// to a store and match id).
	Exporter func(ctx context.Context) (*Snapshot, error)
	// Watch registers for change signals (usually store.Watch for the
	// match's tables).
	Watch func() (<-chan struct{}, func())
	// Path is the stored target location.
	Path string
	// Debounce collapses bursts of changes into one write. Defaults to
	// 500ms.
	Debounce time.Duration
	// OnError surfaces write failures to the operator.
	OnError func(error)
	Logger  *slog.Logger
}

// NewDirectWriter validates the config.
func NewDirectWriter(config DirectWriterConfig) (*DirectWriter, error) {
	if config.Exporter == nil || config.Watch == nil {
		return nil, errors.New("exporter and watch are required")
	}
	if config.Path == "" {
		return nil, errors.New("path is required")
	}
	if config.Debounce <= 0 {
		config.Debounce = 500 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &DirectWriter{
		exporter: config.Exporter,
		watch:    config.Watch,
		debounce: config.Debounce,
		logger:   config.Logger,
		onError:  config.OnError,
		path:     config.Path,
	}, nil
}

// Path returns the stored target location, empty after a permission loss.
func (w *DirectWriter) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Start begins observing changes. Stop tears the observation and any pending
// debounce timer down.
func (w *DirectWriter) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	changes, cancelWatch := w.watch()
	ctx, cancelCtx := context.WithCancel(ctx)
	w.cancel = func() {
		cancelWatch()
		cancelCtx()
	}
	done := make(chan struct{})
	w.done = done
	go w.loop(ctx, changes, done)
}

// Stop halts the writer. A pending debounced write is dropped.
func (w *DirectWriter) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// done is passed by value: Stop nils the field, so the defer must close the
// channel this loop was started with.
func (w *DirectWriter) loop(ctx context.Context, changes <-chan struct{}, done chan struct{}) {
	defer close(done)
	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			w.schedule(fire)
		case <-fire:
			if err := w.WriteNow(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("Direct backup write failed", "error", err)
				if w.onError != nil {
					w.onError(err)
				}
			}
		}
	}
}

func (w *DirectWriter) schedule(fire chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case fire <- struct{}{}:
		default:
		}
	})
}

// WriteNow exports and persists a snapshot immediately, bypassing the
// debounce. Used by the debounce loop and by explicit "back up now" actions.
func (w *DirectWriter) WriteNow(ctx context.Context) error {
	w.mu.Lock()
	path := w.path
	w.mu.Unlock()
	if path == "" {
		return errors.New("no backup location configured")
	}

	if err := checkWritable(path); err != nil {
		// Permission is gone: forget the location so the operator has to
		// re-grant it, and surface the failure.
		w.mu.Lock()
		w.path = ""
		w.mu.Unlock()
		return fmt.Errorf("backup location %s is not writable: %w", path, err)
	}

	snap, err := w.exporter(ctx)
	if err != nil {
		return err
	}
	data, err := Encode(snap)
	if err != nil {
		return err
	}

	// Write-then-rename so a crash mid-write never corrupts the previous
	// backup.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace backup: %w", err)
	}
	w.logger.Debug("Direct backup written", "path", path, "bytes", len(data))
	return nil
}

func checkWritable(path string) error {
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return pathErr
		}
		return err
	}
	return f.Close()
}
