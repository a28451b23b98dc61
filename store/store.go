// Package store provides persistent operator state backed by an embedded
// SQLite database: server settings and named routing presets. Runtime
// fabric state (endpoints, routes, pacer queues) is deliberately not
// persisted; presets are snapshots an operator saves explicitly.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"fmt"
	"log"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL statements that bring the
// schema up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — settings key/value store
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v2 — named routing presets (config JSON as exported by the routing engine)
	`CREATE TABLE IF NOT EXISTS presets (
		name        TEXT PRIMARY KEY,
		config_json TEXT NOT NULL,
		created_at  INTEGER NOT NULL DEFAULT (unixepoch()),
		updated_at  INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes operator-state operations.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests).
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Allow multiple read connections but serialise writes.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	// Busy timeout to avoid SQLITE_BUSY on concurrent access.
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[store] busy_timeout: %v (non-fatal)", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[store] applied migration v%d", v)
	}
	return nil
}

// GetSetting returns the value stored under key. The second return value
// is false when the key does not exist; an error is only returned for
// real I/O failures.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var val string
	err := s.db.QueryRow(
		`SELECT value FROM settings WHERE key = ?`, key,
	).Scan(&val)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetSetting upserts key → value in the settings table.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetAllSettings returns the full settings table as a map.
func (s *Store) GetAllSettings() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Preset is a named routing configuration snapshot.
type Preset struct {
	Name       string
	ConfigJSON string
	UpdatedAt  int64
}

// SavePreset upserts a named routing preset.
func (s *Store) SavePreset(name, configJSON string) error {
	_, err := s.db.Exec(
		`INSERT INTO presets(name, config_json) VALUES(?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			config_json = excluded.config_json,
			updated_at  = unixepoch()`,
		name, configJSON,
	)
	return err
}

// GetPreset returns the preset stored under name. The second return value
// is false when no such preset exists.
func (s *Store) GetPreset(name string) (Preset, bool, error) {
	var p Preset
	err := s.db.QueryRow(
		`SELECT name, config_json, updated_at FROM presets WHERE name = ?`, name,
	).Scan(&p.Name, &p.ConfigJSON, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return Preset{}, false, nil
	}
	if err != nil {
		return Preset{}, false, err
	}
	return p, true, nil
}

// ListPresets returns all presets ordered by name.
func (s *Store) ListPresets() ([]Preset, error) {
	rows, err := s.db.Query(
		`SELECT name, config_json, updated_at FROM presets ORDER BY name ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var presets []Preset
	for rows.Next() {
		var p Preset
		if err := rows.Scan(&p.Name, &p.ConfigJSON, &p.UpdatedAt); err != nil {
			return nil, err
		}
		presets = append(presets, p)
	}
	return presets, rows.Err()
}

// DeletePreset removes a preset by name. Returns sql.ErrNoRows when no
// such preset exists.
func (s *Store) DeletePreset(name string) error {
	res, err := s.db.Exec(`DELETE FROM presets WHERE name = ?`, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// PresetCount returns the number of stored presets.
func (s *Store) PresetCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM presets`).Scan(&n)
	return n, err
}

// Backup writes a consistent copy of the database to outPath using
// SQLite's VACUUM INTO.
func (s *Store) Backup(outPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, outPath)
	return err
}

// Optimize runs the SQLite query planner optimizer. Intended to be called
// periodically from a background loop.
func (s *Store) Optimize() error {
	_, err := s.db.Exec(`PRAGMA optimize`)
	return err
}
