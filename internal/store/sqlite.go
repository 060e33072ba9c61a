package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

const metaSchemaVersion = "schema_version"

// SQLiteStore is a RecordStore persisted in a SQLite database. Several
// stores may share one database file as long as their names differ.
type SQLiteStore struct {
	db             *sql.DB
	namespace      string
	codec          *codec
	versionChanged bool
}

// NewSQLiteStore opens (or creates) the database at cfg.Path.
// It initializes the database with WAL mode, applies pragmas, runs
// migrations and records cfg.Version.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite store path is required")
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers anyway; a single connection keeps
	// in-memory databases coherent across calls.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	c, err := newCodec(cfg.Compress)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, namespace: cfg.Name, codec: c}
	if err := s.checkVersion(cfg.Version); err != nil {
		s.Close()
		return nil, fmt.Errorf("check schema version: %w", err)
	}

	return s, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// checkVersion stores version and remembers whether a different one was
// recorded by a previous open. A fresh database never counts as changed.
func (s *SQLiteStore) checkVersion(version int) error {
	var stored string
	err := s.db.QueryRow(
		"SELECT value FROM store_meta WHERE namespace = ? AND key = ?",
		s.namespace, metaSchemaVersion,
	).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	default:
		s.versionChanged = stored != strconv.Itoa(version)
	}

	_, err = s.db.Exec(`
		INSERT INTO store_meta (namespace, key, value) VALUES (?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value
	`, s.namespace, metaSchemaVersion, strconv.Itoa(version))
	return err
}

// VersionChanged reports whether the schema version differs from the one
// recorded by the previous open of this namespace.
func (s *SQLiteStore) VersionChanged() bool {
	return s.versionChanged
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var stored []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM records WHERE namespace = ? AND key = ?",
		s.namespace, key,
	).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return s.codec.decode(stored)
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, s.namespace, key, s.codec.encode(value), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM records WHERE namespace = ? AND key = ?",
		s.namespace, key,
	)
	if err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Keys returns every key in the store's namespace in ascending order.
func (s *SQLiteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM records WHERE namespace = ? ORDER BY key",
		s.namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.codec.close()
	return s.db.Close()
}
