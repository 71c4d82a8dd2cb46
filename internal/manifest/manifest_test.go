package manifest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/starford/kechain/internal/testutil"
	"github.com/starford/kechain/pkg/kechain"
)

const sample = `
suppress_kevents: true
parts:
  - part: Bike
    rename: Racer
    values:
      Total height: 990.5
      Gears: 18
      Frame size: L
      Released: true
      Design date: 2024-05-06
  - part: Wheel
    category: MODEL
    values:
      Colours: [red, blue]
attachments:
  - file: drawings/bike.png
    property: 7f6c1b1e-3c2b-4e52-9a0f-1c2d3e4f5a6b
`

func TestParseKeepsValueOrder(t *testing.T) {
	m, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !m.SuppressKevents {
		t.Error("suppress_kevents not read")
	}
	if len(m.Parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(m.Parts))
	}

	bike := m.Parts[0]
	if bike.Part != "Bike" || bike.Rename != "Racer" {
		t.Errorf("part = %+v", bike)
	}
	var order []string
	for _, v := range bike.Values {
		order = append(order, v.Property)
	}
	want := []string{"Total height", "Gears", "Frame size", "Released", "Design date"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if bike.Values[0].Value != 990.5 || bike.Values[1].Value != 18 || bike.Values[3].Value != true {
		t.Errorf("values = %+v", bike.Values)
	}

	colours := m.Parts[1].Values[0].Value
	if !reflect.DeepEqual(colours, []string{"red", "blue"}) {
		t.Errorf("list value = %#v, want []string", colours)
	}
}

func TestAttachmentFor(t *testing.T) {
	m, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	for _, file := range []string{"drawings/bike.png", "drawings/./bike.png", filepath.Join("drawings", "bike.png")} {
		if id, ok := m.AttachmentFor(file); !ok || id != "7f6c1b1e-3c2b-4e52-9a0f-1c2d3e4f5a6b" {
			t.Errorf("AttachmentFor(%q) = %q, %v", file, id, ok)
		}
	}
	if _, ok := m.AttachmentFor("bike.png"); ok {
		t.Error("unmapped file matched")
	}
}

func TestParseRejects(t *testing.T) {
	tests := map[string]string{
		"missing part":     "parts:\n  - values: {Gears: 1}\n",
		"bad category":     "parts:\n  - part: Bike\n    category: TEMPLATE\n",
		"values not a map": "parts:\n  - part: Bike\n    values: [1, 2]\n",
		"escaping file":    "attachments:\n  - file: ../secret.txt\n    property: x\n",
		"absolute file":    "attachments:\n  - file: /etc/passwd\n    property: x\n",
		"missing property": "attachments:\n  - file: a.txt\n",
		"not yaml":         "parts: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Errorf("expected error for %q", doc)
			}
		})
	}
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	backend := testutil.NewBackend(t)
	c, err := kechain.New(backend.URL, kechain.WithToken(backend.Token))
	if err != nil {
		t.Fatal(err)
	}
	bike, err := c.Part(ctx, kechain.PartFilter{Name: "Bike", Category: kechain.CategoryInstance})
	if err != nil {
		t.Fatal(err)
	}
	picture, err := bike.Property("Picture")
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "drawings"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "drawings", "bike.png"), []byte("\x89PNG"), 0o644); err != nil {
		t.Fatal(err)
	}
	doc := fmt.Sprintf(`
parts:
  - part: %s
    rename: Racer
    values:
      Gears: 18
      Frame size: L
      Design date: 2024-05-06
  - part: Seat
    values:
      Height: 700
attachments:
  - file: drawings/bike.png
    property: %s
`, bike.ID, picture.ID())
	m, err := Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	res, err := Apply(ctx, c, m, dir, logger)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res != (Result{Parts: 2, Values: 4, Attachments: 1}) {
		t.Errorf("result = %+v", res)
	}

	fresh, err := bike.Reload(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Name != "Racer" {
		t.Errorf("name = %q", fresh.Name)
	}
	checks := map[string]any{"Gears": int64(18), "Frame size": "L", "Design date": "2024-05-06"}
	for name, want := range checks {
		prop, err := fresh.Property(name)
		if err != nil {
			t.Fatal(err)
		}
		if prop.Value() != want {
			t.Errorf("%s = %#v, want %#v", name, prop.Value(), want)
		}
	}
	pic, _ := fresh.Property("Picture")
	if got := pic.(*kechain.AttachmentProperty).Filename(); got != "bike.png" {
		t.Errorf("attachment = %q", got)
	}
}

func TestApplyStopsAtUnknownPart(t *testing.T) {
	ctx := context.Background()
	backend := testutil.NewBackend(t)
	c, err := kechain.New(backend.URL, kechain.WithToken(backend.Token))
	if err != nil {
		t.Fatal(err)
	}
	m, err := Parse([]byte("parts:\n  - part: Unicycle\n    values: {Gears: 1}\n"))
	if err != nil {
		t.Fatal(err)
	}
	res, err := Apply(ctx, c, m, t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil || !strings.Contains(err.Error(), "part 1 (Unicycle)") {
		t.Fatalf("err = %v", err)
	}
	if res.Parts != 0 {
		t.Errorf("parts = %d", res.Parts)
	}
}
