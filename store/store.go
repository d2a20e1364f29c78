// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package store provides the on-device durable storage for teams, players,
// matches, sets, events and the sync outbox. It is the single shared mutable
// resource on the device: all mutation flows through it inside transactions,
// and a live-query primitive notifies watchers after committed writes so the
// UI can re-run its queries.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is how timestamps are persisted in SQLite text columns.
const timeLayout = time.RFC3339Nano

// Store wraps the SQLite database. Writes are serialized through writeMu to
// prevent SQLite locking issues; the database's own transactions provide
// atomicity, not cross-goroutine race resolution.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex
	hub     *watchHub
}

// Open opens (or creates) the store at path and applies all pending schema
// migrations in order. Each migration is all-or-nothing; a failed migration
// leaves the store at its last successfully applied version and Open returns
// an error. Callers must treat an Open failure as fatal and not proceed with
// partially migrated state. Reopening an already-migrated store is a no-op.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := migrate(db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:     db,
		logger: logger,
		hub:    newWatchHub(),
	}, nil
}

func migrate(db *sql.DB, logger *slog.Logger) error {
	// The embed FS roots at the package directory; goose wants the
	// directory that directly contains the SQL files.
	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations dir: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(context.Background())
	for _, r := range results {
		if r.Error == nil {
			logger.Debug("Applied schema migration", "version", r.Source.Version, "path", r.Source.Path)
		}
	}
	if err != nil {
		// The provider applies migrations one at a time, each in its own
		// transaction, so the store is left at the last applied version.
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

// Close closes the underlying database and drops all watchers.
func (s *Store) Close() error {
	s.hub.closeAll()
	return s.db.Close()
}

// DB exposes the underlying handle for read-only queries by the UI layer.
func (s *Store) DB() *sql.DB { return s.db }

// Watch registers a live query trigger for the named tables. The returned
// channel receives a (coalesced) signal after every committed write touching
// any of them; cancel unregisters the watcher and closes the channel.
func (s *Store) Watch(tables ...string) (<-chan struct{}, func()) {
	return s.hub.watch(tables...)
}

// WithTx runs fn inside one write transaction, serialized against other
// local writers. On commit the watchers of the named tables are notified.
func (s *Store) WithTx(ctx context.Context, touched []string, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.hub.notify(touched...)
	return nil
}

// Reset deletes all rows from every collection, including the outbox. This is
// the full cache clear behind the destructive "clear local data" action; the
// caller is responsible for operator confirmation.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"outbox", "events", "sets", "matches", "players", "teams"}
	return s.WithTx(ctx, tables, func(tx *sql.Tx) error {
		for _, table := range tables {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// ExternalID resolves a local id in one of the synced collections to the
// entity's remote correlation key. ok is false when no such row exists.
func (s *Store) ExternalID(ctx context.Context, collection, localID string) (string, bool, error) {
	switch collection {
	case "teams", "players", "matches":
	default:
		return "", false, fmt.Errorf("collection %q has no external ids", collection)
	}
	var externalID string
	err := s.db.QueryRowContext(ctx,
		`SELECT external_id FROM `+collection+` WHERE id = ?`, localID).Scan(&externalID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve %s id %s: %w", collection, localID, err)
	}
	return externalID, true, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
