//go:build !sqlite_fts5

package snapshot

import (
	"context"
	"database/sql"
	"fmt"
)

func initFTS(_ context.Context, _ *sql.DB) error {
	// FTS5 not available; Search uses LIKE on the parts table.
	return nil
}

func ftsUpsert(_ context.Context, _ *sql.Tx, _ PartRow) error { return nil }

func ftsDelete(_ context.Context, _ *sql.Tx, _ string) {}

// Search matches query as a substring of part names, descriptions and
// property values.
func (db *DB) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 20
	}
	like := "%" + query + "%"
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, name, category, substr(props_text, 1, 200)
		FROM parts
		WHERE name LIKE ? OR description LIKE ? OR props_text LIKE ?
		ORDER BY root_id, ord, name
		LIMIT ?
	`, like, like, like, limit)
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
