package internal

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/kechain/internal/emulator"
	pkgconfig "github.com/starford/kechain/pkg/config"
	"github.com/starford/kechain/pkg/kechain"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := NewDefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should pass: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing url", func(c *Config) { c.Backend.URL = "" }, "backend"},
		{"bad url", func(c *Config) { c.Backend.URL = "not a url" }, "backend"},
		{"username without password", func(c *Config) { c.Backend.Username = "ada" }, "Password"},
		{"token and username", func(c *Config) {
			c.Backend.Token = "t"
			c.Backend.Username = "ada"
			c.Backend.Password = "pw"
		}, "mutually exclusive"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry"},
		{"max below initial", func(c *Config) {
			c.Retry.InitialBackoff = time.Second
			c.Retry.MaxBackoff = time.Millisecond
		}, "MaxBackoff"},
		{"zero page size", func(c *Config) { c.Paging.PageSize = 0 }, "paging"},
		{"user without secret", func(c *Config) {
			c.Emulator.Users = []emulator.User{{Username: "eve"}}
		}, "eve"},
		{"no snapshot path", func(c *Config) { c.Snapshot.Path = "" }, "snapshot"},
		{"bad port", func(c *Config) { c.App.HTTP.Port = 70000 }, "app"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_KECHAIN_TOKEN", "from-env")
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
app:
  log_level: debug
  http:
    port: 9090
backend:
  url: https://kec.example.com
  token: ${TEST_KECHAIN_TOKEN}
  check_certificates: false
paging:
  page_size: 50
emulator:
  pim_version: 3.6.0
  demo: true
  users:
    - username: viewer
      token: view-token
      read_only: true
watch:
  dir: ./files
  manifest: ./files/kechain.yaml
  debounce: 500ms
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefaultConfig()
	if err := pkgconfig.Load(path, cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.Token != "from-env" || cfg.Backend.CheckCertificates {
		t.Errorf("backend = %+v", cfg.Backend)
	}
	if cfg.App.LogLevel != slog.LevelDebug || cfg.App.HTTP.Port != 9090 {
		t.Errorf("app = %+v", cfg.App)
	}
	if cfg.Paging.PageSize != 50 || cfg.Retry.MaxAttempts == 0 {
		t.Errorf("paging = %+v, retry = %+v", cfg.Paging, cfg.Retry)
	}
	if !cfg.Emulator.Demo || cfg.Emulator.PIMVersion != "3.6.0" || len(cfg.Emulator.Users) != 1 || !cfg.Emulator.Users[0].ReadOnly {
		t.Errorf("emulator = %+v", cfg.Emulator)
	}
	if cfg.Watch.Debounce != 500*time.Millisecond {
		t.Errorf("debounce = %v", cfg.Watch.Debounce)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("paging:\n  page_size: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := pkgconfig.Load(path, NewDefaultConfig())
	if err == nil || !strings.Contains(err.Error(), "validation failed") {
		t.Errorf("err = %v", err)
	}
}

func TestRunServesEmulator(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.App.HTTP.Port = 0
	cfg.Emulator.Demo = true
	cfg.Emulator.AttachmentDir = t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, WithConfig(cfg), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithReady(ready))
	}()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("emulator did not start")
	}

	cfg.Backend.URL = "http://" + addr
	cfg.Backend.Token = cfg.Emulator.Users[0].Token
	client, err := cfg.NewClient(nil)
	if err != nil {
		t.Fatal(err)
	}
	scope, err := client.Scope(ctx, kechain.ScopeFilter{Name: "Bike Project"})
	if err != nil {
		t.Fatalf("Scope: %v", err)
	}
	if scope.Name != "Bike Project" {
		t.Errorf("scope = %q", scope.Name)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestWatchNeedsAttachments(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "kechain.yaml")
	if err := os.WriteFile(manifest, []byte("parts:\n  - part: Bike\n    values:\n      Gears: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := NewDefaultConfig()
	cfg.Watch.Dir = dir
	cfg.Watch.Manifest = manifest

	err := Watch(context.Background(), WithConfig(cfg), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err == nil || !strings.Contains(err.Error(), "maps no attachments") {
		t.Errorf("err = %v", err)
	}
}

func TestRunRequiresConfig(t *testing.T) {
	if err := Run(context.Background()); err == nil {
		t.Fatal("expected error without config")
	}
}
