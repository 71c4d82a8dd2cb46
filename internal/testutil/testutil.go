// Package testutil provides shared test helpers: an emulated backend served
// over HTTP and a request recorder.
package testutil

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/starford/kechain/internal/emulator"
)

// Token is the static API token of the emulator admin account.
const Token = "emulator-token"

// Backend is an emulator listening on a local port.
type Backend struct {
	URL      string
	Token    string
	Emulator *emulator.Emulator
	Server   *httptest.Server
}

// NewBackend starts an emulator loaded with the demo project. mutate may
// adjust the config before the emulator is built.
func NewBackend(t *testing.T, mutate ...func(*emulator.Config)) *Backend {
	t.Helper()
	cfg := emulator.DefaultConfig()
	cfg.AttachmentDir = t.TempDir()
	for _, m := range mutate {
		m(&cfg)
	}
	emu, err := emulator.New(cfg)
	if err != nil {
		t.Fatalf("emulator.New: %v", err)
	}
	t.Cleanup(emu.Close)
	if _, err := emu.Seed(context.Background(), emulator.DemoSeed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	srv := httptest.NewServer(emu.Handler())
	t.Cleanup(srv.Close)
	return &Backend{URL: srv.URL, Token: Token, Emulator: emu, Server: srv}
}

// Recorded is one request seen by a Recorder.
type Recorded struct {
	Method string
	Path   string
	Query  string
	Body   []byte
}

// Recorder is a RoundTripper that keeps a copy of every request before
// passing it on.
type Recorder struct {
	Next http.RoundTripper

	mu       sync.Mutex
	requests []Recorded
}

func (r *Recorder) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := Recorded{Method: req.Method, Path: req.URL.Path, Query: req.URL.RawQuery}
	if req.Body != nil {
		data, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		rec.Body = data
		req.Body = io.NopCloser(bytes.NewReader(data))
	}
	r.mu.Lock()
	r.requests = append(r.requests, rec)
	r.mu.Unlock()

	next := r.Next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(req)
}

// Requests returns the recorded requests, oldest first.
func (r *Recorder) Requests() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.requests...)
}

// Matching returns the recorded requests with the given method and path.
func (r *Recorder) Matching(method, path string) []Recorded {
	var out []Recorded
	for _, rec := range r.Requests() {
		if rec.Method == method && rec.Path == path {
			out = append(out, rec)
		}
	}
	return out
}

// Reset forgets every recorded request.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = nil
}
