// Package storage provides SQLite-based durable storage for in-flight
// messages, the dead-letter queue, and conversation records.
package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 1

// openDatabase creates the SQLite connection with the required pragmas.
// Connection settings:
// - foreign_keys(1): Enable foreign key constraints
// - journal_mode(WAL): Write-Ahead Logging for better concurrent access
// - busy_timeout(5000): Wait up to 5 seconds if database is locked (prevents SQLITE_BUSY)
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite supports a single writer; one connection serializes reads too.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return db, nil
}

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(db *sql.DB, version int) error {
	switch version {
	// Future migrations go here, one case per version.
	default:
		return fmt.Errorf("unknown migration version %d", version)
	}
}

func getSchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		// Table missing means a fresh database.
		return 0, nil //nolint:nilerr // Absent table is version 0, not an error
	}
	return version, nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec("UPDATE schema_version SET version = ?", version)
	if err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// createSchema creates the full schema at the current version.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS message_storage (
		message_id      TEXT PRIMARY KEY,
		sender          TEXT NOT NULL,
		receiver        TEXT NOT NULL,
		conversation_id TEXT,
		message_content BLOB NOT NULL,
		performative    TEXT NOT NULL,
		created_at      INTEGER NOT NULL,
		expires_at      INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_message_storage_sender ON message_storage(sender);
	CREATE INDEX IF NOT EXISTS idx_message_storage_receiver ON message_storage(receiver);
	CREATE INDEX IF NOT EXISTS idx_message_storage_created ON message_storage(created_at);

	CREATE TABLE IF NOT EXISTS dead_letters (
		message_id      TEXT PRIMARY KEY,
		sender          TEXT NOT NULL,
		receiver        TEXT NOT NULL,
		conversation_id TEXT,
		message_content BLOB NOT NULL,
		performative    TEXT NOT NULL,
		failure_reason  TEXT NOT NULL,
		created_at      INTEGER NOT NULL,
		dead_lettered_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_at ON dead_letters(dead_lettered_at);

	CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		protocol_name   TEXT,
		created_at      INTEGER NOT NULL,
		last_activity   INTEGER NOT NULL,
		message_count   INTEGER NOT NULL DEFAULT 0,
		is_archived     INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS conversation_participants (
		conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id) ON DELETE CASCADE,
		participant_id  TEXT NOT NULL,
		UNIQUE(conversation_id, participant_id)
	);
	`

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}
	return nil
}
