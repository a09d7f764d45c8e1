// Package db opens the embedded SQLite database that holds the operation
// log, the state-cache snapshot and small key/value metadata.
//
// Architecture:
//   - Database file: <data dir>/opsync.db
//   - WAL mode: readers (frontier computation, dependency checks) never
//     block the single writer
//   - Schema: ops, state_cache, meta tables (server_ops, server_acks for
//     the sync server)
//   - Indexes: unique op id, synced_at, source for pending scans
//
// The handle is owned explicitly: callers Open it once and pass it to the
// components that need it (store.New, the lock fallback, the sync server).
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection pool.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at path and initializes the schema.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	database, err := db.Open(".opsync/opsync.db")
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
func Open(path string) (*DB, error) {
	return OpenContext(context.Background(), path)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Per-connection pragmas go in the DSN so every pooled connection gets them.
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA synchronous=NORMAL", "set synchronous mode"},
	}
	for _, p := range pragmas {
		if _, err := db.conn.ExecContext(ctx, p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	if err := db.InitSchemaContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the schema if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Append-only operation log. seq is never reused (AUTOINCREMENT).
	CREATE TABLE IF NOT EXISTS ops (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		op_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_keys TEXT NOT NULL DEFAULT '[]',  -- JSON array of TYPE:id
		op_type TEXT NOT NULL,
		op TEXT NOT NULL,                        -- full operation JSON
		source TEXT NOT NULL,                    -- local, remote
		applied_at INTEGER NOT NULL,             -- unix ms
		synced_at INTEGER,
		rejected_at INTEGER,
		pending_apply INTEGER NOT NULL DEFAULT 0,
		apply_attempts INTEGER NOT NULL DEFAULT 0
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_ops_op_id ON ops(op_id);
	CREATE INDEX IF NOT EXISTS idx_ops_synced_at ON ops(synced_at);
	CREATE INDEX IF NOT EXISTS idx_ops_pending
	    ON ops(source, synced_at, rejected_at);

	-- Single-row snapshot (id = 'current'), plus an optional 'backup' row
	-- written around schema migrations and conflict resolution.
	CREATE TABLE IF NOT EXISTS state_cache (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		last_applied_op_seq INTEGER NOT NULL,
		vector_clock TEXT NOT NULL,
		compacted_at INTEGER NOT NULL,
		schema_version INTEGER NOT NULL
	);

	-- Small key/value store: server cursor, lock records, counters.
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Server side of the operation-sync API (opsync serve). server_seq is
	-- the global order every client pages through.
	CREATE TABLE IF NOT EXISTS server_ops (
		server_seq INTEGER PRIMARY KEY AUTOINCREMENT,
		op_id TEXT NOT NULL UNIQUE,
		client_id TEXT NOT NULL,
		op TEXT NOT NULL,
		received_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS server_acks (
		client_id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Count returns the number of rows in table. Used by status reporting.
func (db *DB) Count(ctx context.Context, table string) (int, error) {
	switch table {
	case "ops", "state_cache", "meta", "server_ops", "server_acks":
	default:
		return 0, fmt.Errorf("unknown table %q", table)
	}

	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, nil
}
