package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at dbPath and creates the downloads table
// if it doesn't exist.
func InitDB(dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	// A single connection keeps every statement ordered, like the JSON store's mutex.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS downloads (
		path TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		progress REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'idle'
	)`)
	if err != nil {
		db.Close()

		return nil, err
	}

	return db, nil
}
