package kechain_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/starford/kechain/internal/emulator"
	"github.com/starford/kechain/internal/testutil"
	"github.com/starford/kechain/pkg/kechain"
)

// fastRetry keeps connection retries out of the test runtime.
var fastRetry = kechain.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}

type fixture struct {
	backend *testutil.Backend
	client  *kechain.Client
	rec     *testutil.Recorder
}

// newFixture starts a demo backend and a client that records its requests.
func newFixture(t *testing.T, mutate ...func(*emulator.Config)) *fixture {
	t.Helper()
	b := testutil.NewBackend(t, mutate...)
	rec := &testutil.Recorder{}
	c, err := kechain.New(b.URL,
		kechain.WithToken(b.Token),
		kechain.WithHTTPClient(&http.Client{Transport: rec}),
		kechain.WithRetry(fastRetry),
	)
	require.NoError(t, err)
	return &fixture{backend: b, client: c, rec: rec}
}

func (f *fixture) instance(t *testing.T, name string) *kechain.Part {
	t.Helper()
	p, err := f.client.Part(context.Background(), kechain.PartFilter{Name: name, Category: kechain.CategoryInstance})
	require.NoError(t, err)
	return p
}

func (f *fixture) model(t *testing.T, name string) *kechain.Part {
	t.Helper()
	p, err := f.client.Model(context.Background(), kechain.PartFilter{Name: name})
	require.NoError(t, err)
	return p
}

func (f *fixture) activity(t *testing.T, name string) *kechain.Activity {
	t.Helper()
	a, err := f.client.Activity(context.Background(), kechain.ActivityFilter{Name: name})
	require.NoError(t, err)
	return a
}

func property(t *testing.T, p *kechain.Part, key string) kechain.Property {
	t.Helper()
	prop, err := p.Property(key)
	require.NoError(t, err)
	return prop
}
