package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/starford/kechain/internal/checksum"
	"github.com/starford/kechain/pkg/kechain"
)

// ErrNotFound is returned when a part is not in the snapshot.
var ErrNotFound = errors.New("snapshot: not found")

// PartRow is one stored part.
type PartRow struct {
	ID           string
	RootID       string
	ParentID     string
	ModelID      string
	ScopeID      string
	Name         string
	Ref          string
	Description  string
	Category     string
	Multiplicity string
	Order        int
	Checksum     string
	SavedAt      time.Time

	propsText string
}

// PropertyRow is one stored property with its value as JSON.
type PropertyRow struct {
	ID     string
	PartID string
	Name   string
	Type   string
	Unit   string
	Value  json.RawMessage
}

// Hit is one search result.
type Hit struct {
	PartID   string
	Name     string
	Category string
	Snippet  string
}

// Referrer is a property whose value references a part.
type Referrer struct {
	PropertyID   string
	PropertyName string
	PartID       string
	PartName     string
}

// SaveStats counts what a Save changed.
type SaveStats struct {
	Written   int
	Unchanged int
	Removed   int
}

type partRecord struct {
	row   PartRow
	props []PropertyRow
	refs  map[string][]string
}

// Capture fetches the subtree below root in pages of batch parts and saves it.
func (db *DB) Capture(ctx context.Context, root *kechain.Part, batch int) (SaveStats, error) {
	if err := root.PopulateDescendants(ctx, batch); err != nil {
		return SaveStats{}, err
	}
	return db.Save(ctx, root)
}

// Save stores root and its cached subtree. Parts saved earlier under the same
// root that are no longer in the tree are removed; parts whose content did not
// change are left untouched.
func (db *DB) Save(ctx context.Context, root *kechain.Part) (SaveStats, error) {
	records, err := collect(ctx, root)
	if err != nil {
		return SaveStats{}, err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return SaveStats{}, fmt.Errorf("snapshot: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	existing, err := checksums(ctx, tx, root.ID)
	if err != nil {
		return SaveStats{}, err
	}

	var stats SaveStats
	seen := make(map[string]struct{}, len(records))
	now := time.Now().UTC()
	for _, rec := range records {
		seen[rec.row.ID] = struct{}{}
		if existing[rec.row.ID] == rec.row.Checksum {
			stats.Unchanged++
			continue
		}
		rec.row.SavedAt = now
		if err := writePart(ctx, tx, rec); err != nil {
			return SaveStats{}, err
		}
		stats.Written++
	}

	for id := range existing {
		if _, ok := seen[id]; ok {
			continue
		}
		ftsDelete(ctx, tx, id)
		if _, err := tx.ExecContext(ctx, `DELETE FROM parts WHERE id = ?`, id); err != nil {
			return SaveStats{}, fmt.Errorf("snapshot: delete part: %w", err)
		}
		stats.Removed++
	}

	if err := tx.Commit(); err != nil {
		return SaveStats{}, fmt.Errorf("snapshot: commit: %w", err)
	}
	return stats, nil
}

// collect walks the cached tree below root depth first. Child lists come from
// the part cache, so no requests are made once the tree is populated.
func collect(ctx context.Context, root *kechain.Part) ([]partRecord, error) {
	var out []partRecord
	var walk func(p *kechain.Part, order int) error
	walk = func(p *kechain.Part, order int) error {
		rec, err := record(root.ID, p, order)
		if err != nil {
			return err
		}
		out = append(out, rec)
		children, err := p.Children(ctx, kechain.ChildrenQuery{})
		if err != nil {
			return fmt.Errorf("snapshot: children of %s: %w", p, err)
		}
		for i, c := range children {
			if err := walk(c, i); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root, 0); err != nil {
		return nil, err
	}
	return out, nil
}

func record(rootID string, p *kechain.Part, order int) (partRecord, error) {
	rec := partRecord{
		row: PartRow{
			ID:           p.ID,
			RootID:       rootID,
			ParentID:     p.ParentID,
			ModelID:      p.ModelID,
			ScopeID:      p.ScopeID,
			Name:         p.Name,
			Ref:          p.Ref,
			Description:  p.Description,
			Category:     string(p.Category),
			Multiplicity: string(p.Multiplicity),
			Order:        order,
		},
		refs: map[string][]string{},
	}

	var text []string
	for _, prop := range p.Properties() {
		value, err := json.Marshal(prop.Value())
		if err != nil {
			return partRecord{}, fmt.Errorf("snapshot: encode %s of %s: %w", prop.Name(), p, err)
		}
		rec.props = append(rec.props, PropertyRow{
			ID:     prop.ID(),
			PartID: p.ID,
			Name:   prop.Name(),
			Type:   string(prop.Type()),
			Unit:   prop.Unit(),
			Value:  value,
		})
		if ref, ok := prop.(*kechain.ReferenceProperty); ok {
			rec.refs[prop.ID()] = ref.IDs()
		} else if prop.HasValue() {
			text = append(text, prop.Name()+": "+fmt.Sprint(prop.Value()))
		}
	}
	rec.row.propsText = strings.Join(text, "\n")

	digest, err := json.Marshal(struct {
		Row   PartRow
		Text  string
		Props []PropertyRow
		Refs  map[string][]string
	}{rec.row, rec.row.propsText, rec.props, rec.refs})
	if err != nil {
		return partRecord{}, fmt.Errorf("snapshot: digest %s: %w", p, err)
	}
	rec.row.Checksum = checksum.Sum(digest)
	return rec, nil
}

func checksums(ctx context.Context, tx *sql.Tx, rootID string) (map[string]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, checksum FROM parts WHERE root_id = ?`, rootID)
	if err != nil {
		return nil, fmt.Errorf("snapshot: checksums: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var id, cs string
		if err := rows.Scan(&id, &cs); err != nil {
			return nil, err
		}
		out[id] = cs
	}
	return out, rows.Err()
}

func writePart(ctx context.Context, tx *sql.Tx, rec partRecord) error {
	r := rec.row
	_, err := tx.ExecContext(ctx, `
		INSERT INTO parts (id, root_id, parent_id, model_id, scope_id, name, ref, description,
		                   category, multiplicity, ord, props_text, checksum, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			root_id      = excluded.root_id,
			parent_id    = excluded.parent_id,
			model_id     = excluded.model_id,
			scope_id     = excluded.scope_id,
			name         = excluded.name,
			ref          = excluded.ref,
			description  = excluded.description,
			category     = excluded.category,
			multiplicity = excluded.multiplicity,
			ord          = excluded.ord,
			props_text   = excluded.props_text,
			checksum     = excluded.checksum,
			saved_at     = excluded.saved_at
	`, r.ID, r.RootID, r.ParentID, r.ModelID, r.ScopeID, r.Name, r.Ref, r.Description,
		r.Category, r.Multiplicity, r.Order, r.propsText, r.Checksum, r.SavedAt)
	if err != nil {
		return fmt.Errorf("snapshot: upsert part: %w", err)
	}
	if err := ftsUpsert(ctx, tx, r); err != nil {
		return err
	}

	// Properties are replaced wholesale; refs go with them.
	if _, err := tx.ExecContext(ctx, `DELETE FROM properties WHERE part_id = ?`, r.ID); err != nil {
		return fmt.Errorf("snapshot: clear properties: %w", err)
	}
	if len(rec.props) == 0 {
		return nil
	}
	propStmt, err := tx.PrepareContext(ctx, `INSERT INTO properties (id, part_id, name, type, unit, value, ord) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("snapshot: prepare property insert: %w", err)
	}
	defer propStmt.Close()
	refStmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO refs (property_id, target_id) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("snapshot: prepare ref insert: %w", err)
	}
	defer refStmt.Close()

	for i, p := range rec.props {
		if _, err := propStmt.ExecContext(ctx, p.ID, p.PartID, p.Name, p.Type, p.Unit, string(p.Value), i); err != nil {
			return fmt.Errorf("snapshot: insert property: %w", err)
		}
		for _, target := range rec.refs[p.ID] {
			if _, err := refStmt.ExecContext(ctx, p.ID, target); err != nil {
				return fmt.Errorf("snapshot: insert ref: %w", err)
			}
		}
	}
	return nil
}

const partColumns = `id, root_id, parent_id, model_id, scope_id, name, ref, description, category, multiplicity, ord, checksum, saved_at`

func scanPart(s interface{ Scan(...any) error }) (PartRow, error) {
	var r PartRow
	err := s.Scan(&r.ID, &r.RootID, &r.ParentID, &r.ModelID, &r.ScopeID, &r.Name, &r.Ref,
		&r.Description, &r.Category, &r.Multiplicity, &r.Order, &r.Checksum, &r.SavedAt)
	return r, err
}

// Part returns the stored part with id.
func (db *DB) Part(ctx context.Context, id string) (*PartRow, error) {
	r, err := scanPart(db.conn.QueryRowContext(ctx, `SELECT `+partColumns+` FROM parts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: part %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: get part: %w", err)
	}
	return &r, nil
}

// Children returns the stored children of parentID in server order.
func (db *DB) Children(ctx context.Context, parentID string) ([]PartRow, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+partColumns+` FROM parts WHERE parent_id = ? ORDER BY ord`, parentID)
	if err != nil {
		return nil, fmt.Errorf("snapshot: children: %w", err)
	}
	defer rows.Close()
	var out []PartRow
	for rows.Next() {
		r, err := scanPart(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Properties returns the stored properties of a part in order.
func (db *DB) Properties(ctx context.Context, partID string) ([]PropertyRow, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, part_id, name, type, unit, value FROM properties WHERE part_id = ? ORDER BY ord`, partID)
	if err != nil {
		return nil, fmt.Errorf("snapshot: properties: %w", err)
	}
	defer rows.Close()
	var out []PropertyRow
	for rows.Next() {
		var (
			p     PropertyRow
			value string
		)
		if err := rows.Scan(&p.ID, &p.PartID, &p.Name, &p.Type, &p.Unit, &value); err != nil {
			return nil, err
		}
		p.Value = json.RawMessage(value)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Referrers returns the properties whose value references targetID.
func (db *DB) Referrers(ctx context.Context, targetID string) ([]Referrer, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT pr.id, pr.name, pa.id, pa.name
		FROM refs r
		JOIN properties pr ON pr.id = r.property_id
		JOIN parts pa ON pa.id = pr.part_id
		WHERE r.target_id = ?
		ORDER BY pa.name, pr.name
	`, targetID)
	if err != nil {
		return nil, fmt.Errorf("snapshot: referrers: %w", err)
	}
	defer rows.Close()
	var out []Referrer
	for rows.Next() {
		var r Referrer
		if err := rows.Scan(&r.PropertyID, &r.PropertyName, &r.PartID, &r.PartName); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
