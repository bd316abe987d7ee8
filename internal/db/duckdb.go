package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

// DB is the load journal: one row per fragment group that has been registered, with
// the content hash of its payload in the CAS.
type DB struct {
	conn *sql.DB
}

func New(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	conn, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	queries := []string{
		`CREATE SEQUENCE IF NOT EXISTS seq_fragment_id START 1;`,

		`CREATE TABLE IF NOT EXISTS fragments (
			id INTEGER PRIMARY KEY,
			group_key TEXT NOT NULL UNIQUE,
			source TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			crates INTEGER NOT NULL,
			records INTEGER NOT NULL,
			load_id TEXT NOT NULL,
			registered_ready BOOLEAN NOT NULL,
			registered_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, q := range queries {
		if _, err := db.conn.Exec(q); err != nil {
			return fmt.Errorf("executing %q: %w", q, err)
		}
	}
	return nil
}

type Fragment struct {
	ID          int
	Group       string
	Source      string
	ContentHash string
	Crates      int
	Records     int
	LoadID      string
	// RegisteredReady records whether the index was already ready when the
	// fragment arrived, i.e. whether it bypassed the pending buffer.
	RegisteredReady bool
	RegisteredAt    time.Time
}

// RecordFragment journals a registered fragment. Re-recording a group replaces the
// earlier row, which only happens when the journal is replayed into a fresh index.
func (db *DB) RecordFragment(f *Fragment) error {
	_, err := db.conn.Exec(
		`INSERT INTO fragments (id, group_key, source, content_hash, crates, records, load_id, registered_ready)
		 VALUES (nextval('seq_fragment_id'), ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (group_key) DO UPDATE SET source = ?, content_hash = ?, crates = ?, records = ?, load_id = ?, registered_ready = ?`,
		f.Group, f.Source, f.ContentHash, f.Crates, f.Records, f.LoadID, f.RegisteredReady,
		f.Source, f.ContentHash, f.Crates, f.Records, f.LoadID, f.RegisteredReady,
	)
	if err != nil {
		return fmt.Errorf("recording fragment %s: %w", f.Group, err)
	}
	return nil
}

// ListFragments returns journal rows in registration order.
func (db *DB) ListFragments() ([]Fragment, error) {
	rows, err := db.conn.Query(
		`SELECT id, group_key, source, content_hash, crates, records, load_id, registered_ready, registered_at
		 FROM fragments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing fragments: %w", err)
	}
	defer rows.Close()

	var out []Fragment
	for rows.Next() {
		var f Fragment
		if err := rows.Scan(&f.ID, &f.Group, &f.Source, &f.ContentHash, &f.Crates, &f.Records, &f.LoadID, &f.RegisteredReady, &f.RegisteredAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetFragment returns the journal row for group, or nil if none exists.
func (db *DB) GetFragment(group string) (*Fragment, error) {
	var f Fragment
	err := db.conn.QueryRow(
		`SELECT id, group_key, source, content_hash, crates, records, load_id, registered_ready, registered_at
		 FROM fragments WHERE group_key = ?`, group,
	).Scan(&f.ID, &f.Group, &f.Source, &f.ContentHash, &f.Crates, &f.Records, &f.LoadID, &f.RegisteredReady, &f.RegisteredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (db *DB) CountFragments() (int, error) {
	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM fragments`).Scan(&count)
	return count, err
}

// DeleteFragments empties the journal.
func (db *DB) DeleteFragments() error {
	_, err := db.conn.Exec(`DELETE FROM fragments`)
	return err
}
