// Package sqlite provides a SQLite-backed record store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"github.com/helium-bots/helium/internal/statestore"
	"github.com/helium-bots/helium/internal/statestore/physical"
)

const (
	KeyPath        = "path"
	KeyNamespace   = "namespace"
	KeyJournalMode = "journal_mode"
	KeyBusyTimeout = "busy_timeout"
)

func init() {
	physical.Register("sqlite", NewFactory, Defaults)
}

// Defaults returns the default configuration for the SQLite backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:        "~/.helium/state.db",
		KeyJournalMode: "wal",
		KeyBusyTimeout: "5000",
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS records (
    namespace  TEXT NOT NULL,
    key        TEXT NOT NULL,
    value      BLOB NOT NULL,
    PRIMARY KEY (namespace, key)
);
`

// NewFactory creates a SQLite backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (physical.Backend, error) {
	path := statestore.GetString(config, KeyPath, "")
	if path == "" {
		return nil, statestore.NewConfigError("sqlite", KeyPath, "cannot be empty")
	}
	path = statestore.ExpandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, statestore.NewConfigErrorWithCause("sqlite", KeyPath, "failed to create directory", err)
	}

	journalMode := statestore.GetString(config, KeyJournalMode, "wal")
	busyTimeout := statestore.GetString(config, KeyBusyTimeout, "5000")

	dsn := fmt.Sprintf("file:%s?_journal_mode=%s&_busy_timeout=%s&_foreign_keys=on",
		path, journalMode, busyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, statestore.NewConfigErrorWithCause("sqlite", KeyPath, "failed to open database", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, statestore.NewConfigErrorWithCause("sqlite", KeyPath, "failed to initialize schema", err)
	}

	slog.Debug("sqlite statestore initialized", "path", path, "journal_mode", journalMode)
	return &Backend{db: db, ns: statestore.GetString(config, KeyNamespace, "")}, nil
}

// Backend is a SQLite implementation of physical.Backend.
type Backend struct {
	db     *sql.DB
	ns     string
	closed atomic.Bool
}

// Put stores a record.
func (b *Backend) Put(ctx context.Context, key string, value []byte) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO records (namespace, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value`,
		b.ns, key, value)
	if err != nil {
		return fmt.Errorf("sqlite put: %w", err)
	}
	return nil
}

// Get reads a record.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	var value []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT value FROM records WHERE namespace = ? AND key = ?`, b.ns, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get: %w", err)
	}
	return value, nil
}

// Delete removes a record.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM records WHERE namespace = ? AND key = ?`, b.ns, key)
	if err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	if n == 0 {
		return physical.ErrNotFound
	}
	return nil
}

// List returns the keys under the given prefix.
func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT key FROM records WHERE namespace = ? AND key LIKE ? ORDER BY key`,
		b.ns, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("sqlite list: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("sqlite list: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Close closes the database handle.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
