package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite doesn't handle concurrent writes well
	db.SetMaxIdleConns(1)

	return &DB{db}, nil
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationSessions,
		migrationCredits,
		migrationBillingEvents,
		migrationIndexes,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

const migrationSessions = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	tier TEXT NOT NULL,
	session_type TEXT NOT NULL,
	gpu_type TEXT NOT NULL,
	gpu_count INTEGER NOT NULL DEFAULT 1,
	model_id TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	error TEXT,

	-- Provider placement
	provider TEXT,
	provider_instance_id TEXT,
	access_url TEXT,

	-- Billing (integer cents, price snapshotted at creation)
	price_per_minute INTEGER NOT NULL,
	estimated_minutes INTEGER NOT NULL DEFAULT 0,
	total_minutes INTEGER NOT NULL DEFAULT 0,
	total_cost INTEGER NOT NULL DEFAULT 0,

	-- Timestamps
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at DATETIME,
	ended_at DATETIME,

	-- Billing meter schedule (set while active)
	next_bill_at DATETIME
);
`

const migrationCredits = `
CREATE TABLE IF NOT EXISTS credits (
	user_id TEXT PRIMARY KEY,
	balance_cents INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migrationBillingEvents = `
CREATE TABLE IF NOT EXISTS billing_events (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	amount_cents INTEGER NOT NULL,
	minutes INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

	FOREIGN KEY (session_id) REFERENCES sessions(id)
);
`

const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_provider ON sessions(provider);
CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);
CREATE INDEX IF NOT EXISTS idx_sessions_next_bill_at ON sessions(next_bill_at);
CREATE INDEX IF NOT EXISTS idx_billing_events_session_id ON billing_events(session_id);
CREATE INDEX IF NOT EXISTS idx_billing_events_user_id ON billing_events(user_id);
`
