// Package emulator serves an in-memory KE-chain backend over the same REST
// API the SDK talks to. It backs the SDK tests and the `kechain emulate`
// command.
package emulator

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/starford/kechain/internal/sse"
	"github.com/starford/kechain/internal/storage"
)

// Config controls the emulated backend.
type Config struct {
	// PIMVersion is the reported pim version; bulk updates need 3.7.0 or later.
	PIMVersion string        `yaml:"pim_version"`
	Users      []User        `yaml:"users"`
	JWTSecret  string        `yaml:"jwt_secret"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	// ExportPendingPolls is how many polls an async export stays PENDING;
	// negative never completes.
	ExportPendingPolls int `yaml:"export_pending_polls"`
	// ExecutionPendingPolls is how many polls a service execution stays
	// RUNNING; negative never finishes.
	ExecutionPendingPolls int `yaml:"execution_pending_polls"`
	// AttachmentDir stores uploads; a temporary directory when empty.
	AttachmentDir  string        `yaml:"attachment_dir"`
	KeventThrottle time.Duration `yaml:"kevent_throttle"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	SeedFile       string        `yaml:"seed_file"`
}

// DefaultConfig returns a config with a single admin account.
func DefaultConfig() Config {
	return Config{
		PIMVersion:            "3.12.0",
		Users:                 []User{{Username: "admin", Password: "admin", Token: "emulator-token"}},
		TokenTTL:              time.Hour,
		ExportPendingPolls:    1,
		ExecutionPendingPolls: 1,
		KeventThrottle:        2 * time.Second,
	}
}

// Emulator is a running in-memory backend.
type Emulator struct {
	svc      *Service
	handler  http.Handler
	broker   *sse.Broker
	stats    *Stats
	registry *prometheus.Registry
	tmpDir   string
}

// New builds an emulator from cfg and loads cfg.SeedFile when set.
func New(cfg Config) (*Emulator, error) {
	if cfg.PIMVersion == "" {
		cfg.PIMVersion = DefaultConfig().PIMVersion
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}

	e := &Emulator{stats: newStats(), registry: prometheus.NewRegistry()}
	dir := cfg.AttachmentDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "kechain-emulator-*")
		if err != nil {
			return nil, fmt.Errorf("emulator: attachment dir: %w", err)
		}
		dir, e.tmpDir = tmp, tmp
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("emulator: attachment dir: %w", err)
	}
	blobs, err := storage.NewFS(dir)
	if err != nil {
		e.Close()
		return nil, err
	}

	e.svc = NewService(blobs, cfg.PIMVersion, cfg.ExportPendingPolls)
	e.svc.setAccounts(cfg.Users)
	e.svc.executionPolls = cfg.ExecutionPendingPolls
	e.broker = sse.NewBroker(cfg.KeventThrottle)
	h := &Handler{
		svc:    e.svc,
		auth:   newAuthenticator(cfg.Users, cfg.JWTSecret, cfg.TokenTTL),
		events: e.broker,
		stats:  e.stats,
	}
	e.handler = NewRouter(h, e.registry, cfg.AllowedOrigins)

	if cfg.SeedFile != "" {
		data, err := os.ReadFile(cfg.SeedFile)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("emulator: read seed: %w", err)
		}
		if _, err := e.Seed(context.Background(), data); err != nil {
			e.Close()
			return nil, err
		}
	}
	return e, nil
}

// Handler returns the HTTP handler serving the API.
func (e *Emulator) Handler() http.Handler { return e.handler }

// Service exposes the backend for direct setup in tests.
func (e *Emulator) Service() *Service { return e.svc }

// Stats returns the request and kevent counters.
func (e *Emulator) Stats() *Stats { return e.stats }

// Events returns the kevent broker.
func (e *Emulator) Events() *sse.Broker { return e.broker }

// Close stops the kevent broker and removes temporary attachment storage.
func (e *Emulator) Close() {
	if e.broker != nil {
		e.broker.Close()
	}
	if e.tmpDir != "" {
		_ = os.RemoveAll(e.tmpDir)
	}
}
