package attachsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/starford/kechain/internal/manifest"
	"github.com/starford/kechain/internal/testutil"
	"github.com/starford/kechain/pkg/kechain"
)

type env struct {
	client  *kechain.Client
	dir     string
	picture string
	drawing string
	syncer  *Syncer

	mu     sync.Mutex
	events []string
}

// newEnv maps bike.png to the Bike picture and drawings/frame.pdf to a new
// Drawing attachment on the Frame.
func newEnv(t *testing.T) *env {
	t.Helper()
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
	frameModel, err := c.Model(ctx, kechain.PartFilter{Name: "Frame"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := frameModel.AddProperty(ctx, kechain.PropertyModelSpec{Name: "Drawing", Type: kechain.PropertyAttachment}); err != nil {
		t.Fatal(err)
	}
	frame, err := c.Part(ctx, kechain.PartFilter{Name: "Frame", Category: kechain.CategoryInstance})
	if err != nil {
		t.Fatal(err)
	}
	drawing, err := frame.Property("Drawing")
	if err != nil {
		t.Fatal(err)
	}

	m, err := manifest.Parse([]byte(fmt.Sprintf(`
attachments:
  - file: bike.png
    property: %s
  - file: drawings/frame.pdf
    property: %s
`, picture.ID(), drawing.ID())))
	if err != nil {
		t.Fatal(err)
	}

	e := &env{client: c, dir: t.TempDir(), picture: picture.ID(), drawing: drawing.ID()}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.syncer, err = New(c, e.dir, m, logger)
	if err != nil {
		t.Fatal(err)
	}
	e.syncer.Debounce = 20 * time.Millisecond
	e.syncer.OnEvent = func(file, _ string, err error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.events = append(e.events, file)
	}
	return e
}

func (e *env) uploads() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

func (e *env) content(t *testing.T, propertyID string) string {
	t.Helper()
	prop, err := e.client.Property(context.Background(), propertyID)
	if err != nil {
		t.Fatal(err)
	}
	att := prop.(*kechain.AttachmentProperty)
	if !att.HasValue() {
		return ""
	}
	data, err := att.Download(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func TestSyncAllSkipsUnchanged(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := os.WriteFile(filepath.Join(e.dir, "bike.png"), []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(e.dir, "notes.txt"), []byte("not mapped"), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := e.syncer.SyncAll(ctx)
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if n != 1 {
		t.Errorf("uploaded %d files, want 1", n)
	}
	if got := e.content(t, e.picture); got != "v1" {
		t.Errorf("picture = %q", got)
	}

	n, err = e.syncer.SyncAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("unchanged file uploaded again")
	}

	if err := os.WriteFile(filepath.Join(e.dir, "bike.png"), []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if n, _ := e.syncer.SyncAll(ctx); n != 1 {
		t.Errorf("changed file uploaded %d times", n)
	}
	if got := e.content(t, e.picture); got != "v2" {
		t.Errorf("picture = %q", got)
	}
}

func TestWatchUploadsWrites(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go e.syncer.Watch(ctx)
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(e.dir, "bike.png"), []byte("watched"), 0o644); err != nil {
		t.Fatal(err)
	}
	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return e.content(t, e.picture) == "watched"
	}, "written file not uploaded")
}

func TestWatchPicksUpNewDirectories(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go e.syncer.Watch(ctx)
	time.Sleep(100 * time.Millisecond)

	sub := filepath.Join(e.dir, "drawings")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(sub, "frame.pdf"), []byte("%PDF-frame"), 0o644); err != nil {
		t.Fatal(err)
	}

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return e.content(t, e.drawing) == "%PDF-frame"
	}, "file in new directory not uploaded")
	if e.uploads() == 0 {
		t.Error("no upload event reported")
	}
}
