package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type sample struct {
	Name  string `yaml:"name"`
	Count int    `yaml:"count"`
}

func (s *sample) Validate() error {
	if s.Count < 0 {
		return errors.New("count must not be negative")
	}
	return nil
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadKeepsDefaults(t *testing.T) {
	t.Setenv("SAMPLE_NAME", "bike")
	path := writeFile(t, "c.yaml", "name: ${SAMPLE_NAME}\n")

	s := sample{Name: "default", Count: 3}
	if err := Load(path, &s); err != nil {
		t.Fatal(err)
	}
	if s.Name != "bike" || s.Count != 3 {
		t.Errorf("got %+v", s)
	}
}

func TestLoadValidates(t *testing.T) {
	path := writeFile(t, "c.yaml", "count: -1\n")
	err := Load(path, &sample{})
	if err == nil || !strings.Contains(err.Error(), "must not be negative") {
		t.Errorf("err = %v", err)
	}
}

func TestLoadOptional(t *testing.T) {
	s := sample{Name: "default"}
	if err := LoadOptional(filepath.Join(t.TempDir(), "missing.yaml"), &s); err != nil {
		t.Fatal(err)
	}
	if s.Name != "default" {
		t.Errorf("defaults changed: %+v", s)
	}
	if err := Load(filepath.Join(t.TempDir(), "missing.yaml"), &s); err == nil {
		t.Error("Load should fail on a missing file")
	}
}

func TestLoadEnvFiles(t *testing.T) {
	t.Setenv("SAMPLE_SET", "process")
	path := writeFile(t, ".env", "SAMPLE_SET=file\nSAMPLE_FROM_FILE=file\n")
	t.Cleanup(func() { os.Unsetenv("SAMPLE_FROM_FILE") })

	if err := LoadEnvFiles(path, filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("SAMPLE_SET"); got != "process" {
		t.Errorf("SAMPLE_SET = %q", got)
	}
	if got := os.Getenv("SAMPLE_FROM_FILE"); got != "file" {
		t.Errorf("SAMPLE_FROM_FILE = %q", got)
	}
}
