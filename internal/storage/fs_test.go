package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/starford/kechain/internal/checksum"
)

func tempStore(t *testing.T) *FS {
	t.Helper()
	fs, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return fs
}

func TestWriteAndRead(t *testing.T) {
	s := tempStore(t)
	content := []byte("%PDF-1.4 drawing")
	if err := s.Write("a1b2/drawing.pdf", content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("a1b2/drawing.pdf")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q", got)
	}
}

func TestDelete(t *testing.T) {
	s := tempStore(t)
	_ = s.Write("p/spec.txt", []byte("bye"))
	if err := s.Delete("p/spec.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Read("p/spec.txt"); err == nil {
		t.Error("expected error reading deleted blob")
	}
}

func TestStat(t *testing.T) {
	s := tempStore(t)
	_ = s.Write("p/picture.png", []byte("png-bytes"))
	b, err := s.Stat("p/picture.png")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if b.Path != "p/picture.png" || b.Size != 9 || b.Checksum != checksum.Sum([]byte("png-bytes")) {
		t.Errorf("blob = %+v", b)
	}
	if _, err := s.Stat("p"); err == nil {
		t.Error("expected error for a directory")
	}
	if _, err := s.Stat("p/missing.png"); err == nil {
		t.Error("expected error for a missing blob")
	}
}

func TestList(t *testing.T) {
	s := tempStore(t)
	_ = s.Write("p1/a.txt", []byte("a"))
	_ = s.Write("p2/b.json", []byte(`{"b":1}`))

	blobs, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(blobs) != 2 {
		t.Fatalf("len = %d, want 2", len(blobs))
	}
	byPath := map[string]Blob{}
	for _, b := range blobs {
		byPath[b.Path] = b
	}
	b, ok := byPath["p2/b.json"]
	if !ok {
		t.Fatalf("p2/b.json missing from %v", blobs)
	}
	if b.Size != 7 {
		t.Errorf("size = %d, want 7", b.Size)
	}
	if b.Checksum != checksum.Sum([]byte(`{"b":1}`)) {
		t.Errorf("checksum = %q", b.Checksum)
	}
}

func TestTraversalBlocked(t *testing.T) {
	s := tempStore(t)
	for _, p := range []string{"../../etc/passwd", "../outside.txt", "/etc/shadow"} {
		if _, err := s.Read(p); err == nil {
			t.Errorf("expected error for path %q", p)
		}
		if err := s.Write(p, []byte("x")); err == nil {
			t.Errorf("expected error for write to %q", p)
		}
	}
}

func TestOverwriteLeavesNoTempFiles(t *testing.T) {
	s := tempStore(t)
	_ = s.Write("p/atomic.txt", []byte("original"))
	if err := s.Write("p/atomic.txt", []byte("updated")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, _ := s.Read("p/atomic.txt")
	if string(got) != "updated" {
		t.Errorf("expected updated content, got %q", got)
	}
	matches, _ := filepath.Glob(filepath.Join(s.Root(), "p", tmpPrefix+"*"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestNewFS_NonExistentDir(t *testing.T) {
	if _, err := NewFS(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for non-existent dir")
	}
}

func TestNewFS_FileNotDir(t *testing.T) {
	f, _ := os.CreateTemp(t.TempDir(), "kechain-test-*")
	_ = f.Close()
	if _, err := NewFS(f.Name()); err == nil {
		t.Error("expected error when root is a file")
	}
}
