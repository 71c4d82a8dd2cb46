// Package snapshot stores a fetched part tree in SQLite so it can be browsed
// and searched offline. Full-text search uses FTS5 when built with the
// sqlite_fts5 tag.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS parts (
	id           TEXT PRIMARY KEY,
	root_id      TEXT NOT NULL,
	parent_id    TEXT NOT NULL DEFAULT '',
	model_id     TEXT NOT NULL DEFAULT '',
	scope_id     TEXT NOT NULL DEFAULT '',
	name         TEXT NOT NULL DEFAULT '',
	ref          TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	category     TEXT NOT NULL DEFAULT '',
	multiplicity TEXT NOT NULL DEFAULT '',
	ord          INTEGER NOT NULL DEFAULT 0,
	props_text   TEXT NOT NULL DEFAULT '',
	checksum     TEXT NOT NULL DEFAULT '',
	saved_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS properties (
	id      TEXT PRIMARY KEY,
	part_id TEXT NOT NULL REFERENCES parts(id) ON DELETE CASCADE,
	name    TEXT NOT NULL,
	type    TEXT NOT NULL,
	unit    TEXT NOT NULL DEFAULT '',
	value   TEXT NOT NULL DEFAULT 'null',
	ord     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS refs (
	property_id TEXT NOT NULL REFERENCES properties(id) ON DELETE CASCADE,
	target_id   TEXT NOT NULL,
	UNIQUE(property_id, target_id)
);

CREATE INDEX IF NOT EXISTS idx_parts_parent ON parts(parent_id);
CREATE INDEX IF NOT EXISTS idx_parts_root ON parts(root_id);
CREATE INDEX IF NOT EXISTS idx_properties_part ON properties(part_id);
CREATE INDEX IF NOT EXISTS idx_refs_target ON refs(target_id);
`

// DB is an open snapshot database.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the snapshot database at path and applies the schema.
func Open(ctx context.Context, path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("snapshot: open db: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("snapshot: ping: %w", err)
	}
	if _, err := conn.ExecContext(ctx, coreSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("snapshot: apply core schema: %w", err)
	}
	if err := initFTS(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("snapshot: apply fts schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}
