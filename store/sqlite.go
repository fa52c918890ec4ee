// SPDX-FileCopyrightText: (C) 2025 walletauth Authors
// SPDX-License-Identifier: Apache 2.0

package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/ncruces/go-sqlite3/driver"  // Load database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed" // Load sqlite WASM binary
)

// DB implements Store with a SQLite database. Every Edit is a single
// SQL transaction, so partially applied edits are never visible, even
// across process restarts.
type DB struct {
	db *sql.DB

	mu      sync.Mutex // serializes writers
	watches watchers
}

var _ Store = (*DB)(nil)

// Open creates or opens a SQLite database file using a single non-pooled
// connection.
func Open(filename string) (*DB, error) {
	connector, err := (&driver.SQLite{}).OpenConnector(
		"file:" + filepath.Clean(filename) + "?_pragma=foreign_keys(on)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("error creating sqlite connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	if err := Init(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

// New creates a DB. The expected table must already exist; in most cases
// Open should be used, which implicitly calls Init.
func New(db *sql.DB) *DB { return &DB{db: db} }

// Init ensures the state table is created.
func Init(db *sql.DB) error {
	_, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS state
			( key TEXT PRIMARY KEY
			, value TEXT NOT NULL
			)`)
	if err != nil {
		return fmt.Errorf("error creating state table: %w", err)
	}
	return nil
}

// Read implements Store.
func (d *DB) Read(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("error reading key %q: %w", key, err)
	}
	return value, true, nil
}

// Snapshot implements Store.
func (d *DB) Snapshot(ctx context.Context) (Snapshot, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT key, value FROM state`)
	if err != nil {
		return nil, fmt.Errorf("error reading state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snap := make(Snapshot)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("error scanning state row: %w", err)
		}
		snap[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading state: %w", err)
	}
	return snap, nil
}

// Edit implements Store.
func (d *DB) Edit(ctx context.Context, fn func(*Tx)) error {
	tx := newTx()
	fn(tx)

	d.mu.Lock()
	defer d.mu.Unlock()

	dbtx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning edit transaction: %w", err)
	}
	for key, value := range tx.set {
		if _, err := dbtx.ExecContext(ctx,
			`INSERT INTO state (key, value) VALUES (?, ?)
				ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
			key, value); err != nil {
			_ = dbtx.Rollback()
			return fmt.Errorf("error upserting key %q: %w", key, err)
		}
	}
	for key := range tx.del {
		if _, err := dbtx.ExecContext(ctx, `DELETE FROM state WHERE key = ?`, key); err != nil {
			_ = dbtx.Rollback()
			return fmt.Errorf("error deleting key %q: %w", key, err)
		}
	}
	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("error committing edit: %w", err)
	}

	snap, err := d.Snapshot(ctx)
	if err != nil {
		return err
	}
	d.watches.broadcast(snap)
	return nil
}

// Watch implements Store. The writer mutex is held across snapshot and
// registration, so no commit can land between the two.
func (d *DB) Watch(ctx context.Context) <-chan Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	current, err := d.Snapshot(ctx)
	if err != nil {
		current = make(Snapshot)
	}
	return d.watches.subscribe(ctx, current)
}

// Close implements Store.
func (d *DB) Close() error { return d.db.Close() }
