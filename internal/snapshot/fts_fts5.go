//go:build sqlite_fts5

package snapshot

import (
	"context"
	"database/sql"
	"fmt"
)

func initFTS(ctx context.Context, conn *sql.DB) error {
	_, err := conn.ExecContext(ctx, `
		CREATE VIRTUAL TABLE IF NOT EXISTS parts_fts USING fts5(
			id UNINDEXED,
			name,
			description,
			props,
			tokenize = 'unicode61 remove_diacritics 2'
		);
	`)
	return err
}

func ftsUpsert(ctx context.Context, tx *sql.Tx, r PartRow) error {
	_, _ = tx.ExecContext(ctx, `DELETE FROM parts_fts WHERE id = ?`, r.ID)
	_, err := tx.ExecContext(ctx, `INSERT INTO parts_fts (id, name, description, props) VALUES (?, ?, ?, ?)`,
		r.ID, r.Name, r.Description, r.propsText)
	if err != nil {
		return fmt.Errorf("snapshot: upsert fts: %w", err)
	}
	return nil
}

func ftsDelete(ctx context.Context, tx *sql.Tx, id string) {
	_, _ = tx.ExecContext(ctx, `DELETE FROM parts_fts WHERE id = ?`, id)
}

// Search runs an FTS5 query over part names, descriptions and property values.
func (db *DB) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT f.id, p.name, p.category,
		       snippet(parts_fts, 3, '<b>', '</b>', '...', 32)
		FROM parts_fts f
		JOIN parts p ON p.id = f.id
		WHERE parts_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("snapshot: search: %w", err)
	}
	defer rows.Close()

	var out []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.PartID, &h.Name, &h.Category, &h.Snippet); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
