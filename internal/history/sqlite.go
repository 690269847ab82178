package history

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using an embedded SQLite database. It is
// the default backend for single-process deployments.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:"
// for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The pure-Go driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent sessions.
	db.SetMaxOpenConns(1)

	if err := ensureSQLiteSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	inner, err := newSQLStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{sqlStore: inner}, nil
}

func ensureSQLiteSchema(db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS messages (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			id         TEXT NOT NULL,
			payload    TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (session_id, id)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, seq);
		CREATE TABLE IF NOT EXISTS summaries (
			session_id TEXT PRIMARY KEY,
			payload    TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
	`
	_, err := db.ExecContext(context.Background(), schema)
	return err
}
