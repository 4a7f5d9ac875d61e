// Package controlplane implements the daemon's local control endpoint
// (spec §4.8 C8): the `up/down/restart/status/logs/source.*/ssl.*`
// command surface over a Unix domain socket, the optional persisted
// store (sources, manual-stop flags, obs-plugin enablement), and the
// observability event stream.
package controlplane

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store persists the sources registry, `unless-stopped` manual-stop
// flags, and obs-plugin enablement (spec §6 "Persisted state"), so a
// fresh daemon restart can resume without re-running `source add` for
// every origin. It follows the pack's pure-Go sqlite idiom directly
// (ReleaseParty/backend/internal/store.Store.Open/migrate): a single
// *sqlx.DB opened against the modernc.org/sqlite driver and an
// idempotent `CREATE TABLE IF NOT EXISTS` schema, rather than
// golang-migrate's bundled sqlite3 database driver, which imports
// github.com/mattn/go-sqlite3 (cgo) directly and would defeat the
// point of choosing a pure-Go driver (see DESIGN.md).
type Store struct {
	db *sqlx.DB
}

// OpenStore opens (creating if absent) the sqlite-backed persisted
// store at path. An empty path disables persistence; correctness of a
// fresh start never depends on it (spec §6).
func OpenStore(path string) (*Store, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer, matches the pack's sibling store.

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS sources (
			name TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			root_path TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE TABLE IF NOT EXISTS manual_stops (
			fqn TEXT PRIMARY KEY,
			stopped_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS obs_plugins (
			id TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL DEFAULT 1
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate store: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SourceRow mirrors hiveconfig.Source's persisted columns.
type SourceRow struct {
	Name     string `db:"name"`
	Kind     string `db:"kind"`
	RootPath string `db:"root_path"`
	Enabled  bool   `db:"enabled"`
}

// SaveSource upserts one source's registration (`source add`/`enable`/`disable`).
func (s *Store) SaveSource(ctx context.Context, name, kind, rootPath string, enabled bool) error {
	if s == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (name, kind, root_path, enabled) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET kind=excluded.kind, root_path=excluded.root_path, enabled=excluded.enabled`,
		name, kind, rootPath, enabled)
	return err
}

// DeleteSource removes a source's persisted registration (`source remove`).
func (s *Store) DeleteSource(ctx context.Context, name string) error {
	if s == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sources WHERE name = ?`, name)
	return err
}

// ListSources returns every persisted source registration, consulted at
// daemon bootstrap to re-load sources from the prior run.
func (s *Store) ListSources(ctx context.Context) ([]SourceRow, error) {
	if s == nil {
		return nil, nil
	}
	var rows []SourceRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT name, kind, root_path, enabled FROM sources ORDER BY name`); err != nil {
		return nil, err
	}
	return rows, nil
}

// MarkManualStop persists the `unless-stopped` sticky manual-stop flag
// for fqn (spec §4.7: "manual stop is sticky across daemon restarts").
func (s *Store) MarkManualStop(ctx context.Context, fqn string) error {
	if s == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO manual_stops (fqn, stopped_at) VALUES (?, ?)
		ON CONFLICT(fqn) DO UPDATE SET stopped_at=excluded.stopped_at`,
		fqn, time.Now().UTC().Format(time.RFC3339))
	return err
}

// ClearManualStop removes the sticky flag, e.g. on `up <fqn>`.
func (s *Store) ClearManualStop(ctx context.Context, fqn string) error {
	if s == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM manual_stops WHERE fqn = ?`, fqn)
	return err
}

// IsManuallyStopped reports whether fqn is under a sticky manual stop.
func (s *Store) IsManuallyStopped(ctx context.Context, fqn string) (bool, error) {
	if s == nil {
		return false, nil
	}
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(1) FROM manual_stops WHERE fqn = ?`, fqn); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListManualStops returns every fqn under a sticky manual stop,
// consulted once at daemon bootstrap to keep manually-stopped
// `unless-stopped` services down across restarts.
func (s *Store) ListManualStops(ctx context.Context) ([]string, error) {
	if s == nil {
		return nil, nil
	}
	var fqns []string
	if err := s.db.SelectContext(ctx, &fqns, `SELECT fqn FROM manual_stops ORDER BY fqn`); err != nil {
		return nil, err
	}
	return fqns, nil
}

// SetObsPluginEnabled persists whether an observability sink is active.
func (s *Store) SetObsPluginEnabled(ctx context.Context, id string, enabled bool) error {
	if s == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO obs_plugins (id, enabled) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET enabled=excluded.enabled`, id, enabled)
	return err
}
