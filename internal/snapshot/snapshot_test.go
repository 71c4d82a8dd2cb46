package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/starford/kechain/internal/testutil"
	"github.com/starford/kechain/pkg/kechain"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "snapshot.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// bikeTree returns the populated product root instance of the demo project.
func bikeTree(t *testing.T) (*kechain.Client, *kechain.Part) {
	t.Helper()
	backend := testutil.NewBackend(t)
	c, err := kechain.New(backend.URL, kechain.WithToken(backend.Token))
	if err != nil {
		t.Fatalf("kechain.New: %v", err)
	}
	ctx := context.Background()
	scope, err := c.Scope(ctx, kechain.ScopeFilter{Name: "Bike Project"})
	if err != nil {
		t.Fatalf("Scope: %v", err)
	}
	root, err := scope.ProductRootInstance(ctx)
	if err != nil {
		t.Fatalf("ProductRootInstance: %v", err)
	}
	if err := root.PopulateDescendants(ctx, 100); err != nil {
		t.Fatalf("PopulateDescendants: %v", err)
	}
	return c, root
}

func findPart(t *testing.T, c *kechain.Client, name string) *kechain.Part {
	t.Helper()
	p, err := c.Part(context.Background(), kechain.PartFilter{Name: name, Category: kechain.CategoryInstance})
	if err != nil {
		t.Fatalf("Part(%q): %v", name, err)
	}
	return p
}

func TestSchemaCreation(t *testing.T) {
	db := testDB(t)
	for _, table := range []string{"parts", "properties", "refs"} {
		var count int
		if err := db.conn.QueryRow(`SELECT count(*) FROM ` + table).Scan(&count); err != nil {
			t.Fatalf("%s table missing: %v", table, err)
		}
	}
}

func TestSaveAndBrowse(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	_, root := bikeTree(t)

	stats, err := db.Save(ctx, root)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if stats.Written != 6 || stats.Unchanged != 0 || stats.Removed != 0 {
		t.Errorf("stats = %+v, want 6 written", stats)
	}

	top, err := db.Children(ctx, root.ID)
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(top) != 1 || top[0].Name != "Bike" {
		t.Fatalf("children of root = %+v", top)
	}
	bikeParts, err := db.Children(ctx, top[0].ID)
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	var got []string
	for _, p := range bikeParts {
		got = append(got, p.Name)
	}
	want := []string{"Frame", "Front Wheel", "Rear Wheel", "Seat"}
	if len(got) != len(want) {
		t.Fatalf("children = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("child %d = %q, want %q", i, got[i], want[i])
		}
	}

	bike, err := db.Part(ctx, top[0].ID)
	if err != nil {
		t.Fatalf("Part: %v", err)
	}
	if bike.Category != string(kechain.CategoryInstance) || bike.RootID != root.ID {
		t.Errorf("bike row = %+v", bike)
	}

	props, err := db.Properties(ctx, bike.ID)
	if err != nil {
		t.Fatalf("Properties: %v", err)
	}
	if len(props) != 7 || props[0].Name != "Gears" {
		t.Fatalf("properties = %+v", props)
	}
	var gears int
	if err := json.Unmarshal(props[0].Value, &gears); err != nil || gears != 22 {
		t.Errorf("Gears value = %s", props[0].Value)
	}

	_, err = db.Part(ctx, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveSkipsUnchangedAndRemovesStale(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	c, root := bikeTree(t)

	if _, err := db.Save(ctx, root); err != nil {
		t.Fatalf("Save: %v", err)
	}

	seat := findPart(t, c, "Seat")
	if err := seat.Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	gears, err := findPart(t, c, "Bike").Property("Gears")
	if err != nil {
		t.Fatal(err)
	}
	if err := gears.SetValue(ctx, 18); err != nil {
		t.Fatalf("SetValue: %v", err)
	}

	fresh, err := root.Reload(ctx)
	if err != nil {
		t.Fatal(err)
	}
	stats, err := db.Capture(ctx, fresh, 2)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if stats.Written != 1 || stats.Unchanged != 4 || stats.Removed != 1 {
		t.Errorf("stats = %+v, want 1 written, 4 unchanged, 1 removed", stats)
	}
	if _, err := db.Part(ctx, seat.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted seat still stored: %v", err)
	}
	props, err := db.Properties(ctx, seat.ID)
	if err != nil || len(props) != 0 {
		t.Errorf("seat properties = %v, %v", props, err)
	}
}

func TestReferrers(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	c, root := bikeTree(t)

	steel := findPart(t, c, "Steel")
	front := findPart(t, c, "Front Wheel")
	rim, err := front.Property("Rim material")
	if err != nil {
		t.Fatal(err)
	}
	if err := rim.SetValue(ctx, steel); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	fresh, err := root.Reload(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Capture(ctx, fresh, 100); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	refs, err := db.Referrers(ctx, steel.ID)
	if err != nil {
		t.Fatalf("Referrers: %v", err)
	}
	if len(refs) != 1 || refs[0].PartName != "Front Wheel" || refs[0].PropertyName != "Rim material" {
		t.Errorf("referrers = %+v", refs)
	}
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	_, root := bikeTree(t)
	if _, err := db.Save(ctx, root); err != nil {
		t.Fatalf("Save: %v", err)
	}

	hits, err := db.Search(ctx, "Aluminium", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Name != "Frame" {
		t.Errorf("hits = %+v, want Frame", hits)
	}

	hits, err = db.Search(ctx, "nonexistentword", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("expected no hits, got %+v", hits)
	}
}
