package kechain_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/kechain/internal/emulator"
	"github.com/starford/kechain/internal/testutil"
	"github.com/starford/kechain/pkg/kechain"
)

// flakyTransport fails the first failures calls with err and then answers
// with a body that is both an empty result page and a login response.
type flakyTransport struct {
	err      error
	failures int32
	calls    atomic.Int32
	bodies   []string
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	n := f.calls.Add(1)
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		f.bodies = append(f.bodies, string(data))
	}
	if n <= f.failures {
		return nil, f.err
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(strings.NewReader(`{"results":[],"count":0,"token":"session"}`)),
		Request:    req,
	}, nil
}

func flakyClient(t *testing.T, tr *flakyTransport) *kechain.Client {
	t.Helper()
	c, err := kechain.New("http://kechain.invalid",
		kechain.WithToken("t"),
		kechain.WithHTTPClient(&http.Client{Transport: tr}),
		kechain.WithRetry(fastRetry),
	)
	require.NoError(t, err)
	return c
}

func TestRetry(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	reset := &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}
	badCert := &tls.CertificateVerificationError{Err: x509.UnknownAuthorityError{}}

	tests := []struct {
		name      string
		err       error
		failures  int32
		post      bool
		wantCalls int32
		wantErr   bool
	}{
		{name: "dial error recovers", err: refused, failures: 2, wantCalls: 3},
		{name: "dial error gives up", err: refused, failures: 10, wantCalls: 3, wantErr: true},
		{name: "certificate error fails fast", err: badCert, failures: 10, wantCalls: 1, wantErr: true},
		{name: "reset GET is retried", err: reset, failures: 1, wantCalls: 2},
		{name: "reset POST is not retried", err: reset, failures: 1, post: true, wantCalls: 1, wantErr: true},
		{name: "dial error POST is retried", err: refused, failures: 1, post: true, wantCalls: 2},
		{name: "timeout is final", err: &net.OpError{Op: "dial", Err: timeoutError{}}, failures: 10, wantCalls: 1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &flakyTransport{err: tt.err, failures: tt.failures}
			c := flakyClient(t, tr)

			var err error
			if tt.post {
				err = c.Login(context.Background(), "admin", "admin")
			} else {
				_, err = c.Scopes(context.Background(), kechain.ScopeFilter{})
			}

			assert.Equal(t, tt.wantCalls, tr.calls.Load())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			if tt.post && tt.wantCalls > 1 {
				require.Len(t, tr.bodies, int(tt.wantCalls))
				assert.Equal(t, tr.bodies[0], tr.bodies[1], "the body is sent again")
			}
		})
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestRetryStopsWhenContextEnds(t *testing.T) {
	tr := &flakyTransport{err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, failures: 100}
	c, err := kechain.New("http://kechain.invalid",
		kechain.WithHTTPClient(&http.Client{Transport: tr}),
		kechain.WithRetry(kechain.RetryPolicy{MaxAttempts: 100, InitialBackoff: time.Hour, Multiplier: 1}),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Scopes(ctx, kechain.ScopeFilter{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), tr.calls.Load())
}

func TestRefusedConnectionIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	rec := &testutil.Recorder{}
	c, err := kechain.New(addr, kechain.WithHTTPClient(&http.Client{Transport: rec}), kechain.WithRetry(fastRetry))
	require.NoError(t, err)

	_, err = c.Scopes(context.Background(), kechain.ScopeFilter{})
	require.Error(t, err)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.Len(t, rec.Requests(), fastRetry.MaxAttempts)
}

func TestUntrustedCertificateFailsFast(t *testing.T) {
	emu, err := emulator.New(emulator.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(emu.Close)
	srv := httptest.NewTLSServer(emu.Handler())
	t.Cleanup(srv.Close)

	slow := kechain.RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Minute, MaxBackoff: time.Minute, Multiplier: 1}
	c, err := kechain.New(srv.URL, kechain.WithToken(testutil.Token), kechain.WithRetry(slow))
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Scopes(context.Background(), kechain.ScopeFilter{})
	require.Error(t, err)
	var verr *tls.CertificateVerificationError
	assert.ErrorAs(t, err, &verr)
	assert.Less(t, time.Since(start), 30*time.Second, "no backoff before failing")

	insecure, err := kechain.New(srv.URL,
		kechain.WithToken(testutil.Token),
		kechain.WithRetry(slow),
		kechain.WithCheckCertificates(false),
	)
	require.NoError(t, err)
	scopes, err := insecure.Scopes(context.Background(), kechain.ScopeFilter{})
	require.NoError(t, err)
	assert.Empty(t, scopes)
}

func TestRetryBackoffIsBounded(t *testing.T) {
	tr := &flakyTransport{err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, failures: 3}
	c, err := kechain.New("http://kechain.invalid",
		kechain.WithHTTPClient(&http.Client{Transport: tr}),
		kechain.WithRetry(kechain.RetryPolicy{MaxAttempts: 4, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond, Multiplier: 10}),
	)
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Scopes(context.Background(), kechain.ScopeFilter{})
	require.NoError(t, err)
	// 10ms + 20ms + 20ms
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Less(t, time.Since(start), 5*time.Second)
}
