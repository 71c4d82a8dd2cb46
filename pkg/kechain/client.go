package kechain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultPageSize is the number of items requested per page by list operations.
const DefaultPageSize = 100

// Environment variables read by FromEnv.
const (
	EnvURL               = "KECHAIN_URL"
	EnvToken             = "KECHAIN_TOKEN"
	EnvUsername          = "KECHAIN_USERNAME"
	EnvPassword          = "KECHAIN_PASSWORD"
	EnvCheckCertificates = "KECHAIN_CHECK_CERTIFICATES"
)

// renew a session token this long before it expires.
const sessionLeeway = 30 * time.Second

// Client is a connection to one KE-chain backend.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	logger  *slog.Logger

	pageSize          int
	retry             RetryPolicy
	timeout           time.Duration
	checkCertificates bool
	registerer        prometheus.Registerer
	baseHTTP          *http.Client

	mu       sync.Mutex
	token    string
	expires  time.Time
	username string
	password string
	versions []Version
}

// Option configures a Client.
type Option func(*Client)

// WithToken authenticates every request with a static API token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithCredentials makes the client log in with username and password on first
// use and again whenever the session token is about to expire.
func WithCredentials(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithHTTPClient uses hc's transport, cookie jar and redirect policy.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.baseHTTP = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithRetry(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithTimeout bounds every single HTTP round trip.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithCheckCertificates toggles TLS certificate verification. It has no
// effect when WithHTTPClient supplies a transport.
func WithCheckCertificates(check bool) Option {
	return func(c *Client) { c.checkCertificates = check }
}

func WithPageSize(n int) Option {
	return func(c *Client) { c.pageSize = n }
}

// WithMetrics registers request metrics on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Client) { c.registerer = reg }
}

// New returns a client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, illegalArgument("parse url %q: %v", baseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, illegalArgument("url %q must be absolute http(s)", baseURL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	c := &Client{
		baseURL:           u,
		logger:            slog.New(slog.DiscardHandler),
		pageSize:          DefaultPageSize,
		retry:             DefaultRetryPolicy(),
		checkCertificates: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pageSize <= 0 {
		return nil, illegalArgument("page size must be positive, got %d", c.pageSize)
	}

	hc, err := c.buildHTTPClient(c.baseHTTP)
	if err != nil {
		return nil, err
	}
	c.http = hc
	return c, nil
}

// FromEnv builds a client from the KECHAIN_* environment variables after
// loading envFiles, if any. Variables already set in the process win over the
// files.
func FromEnv(envFiles []string, opts ...Option) (*Client, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("kechain: load env files: %w", err)
		}
	}

	baseURL := os.Getenv(EnvURL)
	if baseURL == "" {
		return nil, illegalArgument("%s is not set", EnvURL)
	}

	var envOpts []Option
	if v := os.Getenv(EnvCheckCertificates); v != "" {
		check, err := strconv.ParseBool(v)
		if err != nil {
			return nil, illegalArgument("%s=%q: %v", EnvCheckCertificates, v, err)
		}
		envOpts = append(envOpts, WithCheckCertificates(check))
	}
	switch {
	case os.Getenv(EnvToken) != "":
		envOpts = append(envOpts, WithToken(os.Getenv(EnvToken)))
	case os.Getenv(EnvUsername) != "":
		envOpts = append(envOpts, WithCredentials(os.Getenv(EnvUsername), os.Getenv(EnvPassword)))
	}
	return New(baseURL, append(envOpts, opts...)...)
}

// BaseURL returns the backend root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL.String() }

// Token returns the token currently sent with requests.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Login exchanges username and password for a session token.
func (c *Client) Login(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return illegalArgument("username and password are required")
	}
	resp, err := c.send(ctx, request{
		method: http.MethodPost,
		path:   pathLogin,
		body:   map[string]string{"username": username, "password": password},
		noAuth: true,
	})
	if err != nil {
		return err
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp.body, &out); err != nil || out.Token == "" {
		return fmt.Errorf("kechain: login: malformed token response: %w", ErrAPI)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = username
	c.password = password
	c.setTokenLocked(out.Token)
	return nil
}

func (c *Client) setTokenLocked(token string) {
	c.token = token
	c.expires = time.Time{}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		c.expires = claims.ExpiresAt.Time
	}
}

// authorization returns the Authorization header value, logging in first when
// credentials are configured and no usable session exists.
func (c *Client) authorization(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	token, expires := c.token, c.expires
	username, password := c.username, c.password
	c.mu.Unlock()

	stale := token == "" || (!expires.IsZero() && time.Until(expires) < sessionLeeway)
	if (stale || force) && username != "" {
		if err := c.Login(ctx, username, password); err != nil {
			return "", err
		}
		token = c.Token()
	}
	if token == "" {
		return "", nil
	}
	return "Bearer " + token, nil
}

type request struct {
	method string
	path   string
	query  url.Values
	body   any

	// contentType marks body as pre-encoded []byte.
	contentType string
	noAuth      bool
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (c *Client) send(ctx context.Context, r request) (*response, error) {
	resp, err := c.sendOnce(ctx, r, false)
	if err == nil || r.noAuth || !isUnauthorized(err) {
		return resp, err
	}
	c.mu.Lock()
	canLogin := c.username != ""
	c.mu.Unlock()
	if !canLogin {
		return nil, err
	}
	return c.sendOnce(ctx, r, true)
}

func (c *Client) sendOnce(ctx context.Context, r request, relogin bool) (*response, error) {
	u := c.baseURL.JoinPath(r.path)
	if len(r.query) > 0 {
		u.RawQuery = r.query.Encode()
	}

	var (
		payload     []byte
		contentType = r.contentType
	)
	switch body := r.body.(type) {
	case nil:
	case []byte:
		payload = body
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("kechain: encode %s %s: %w", r.method, r.path, err)
		}
		payload = data
		contentType = "application/json"
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("kechain: build request: %w", err)
	}
	requestID := ulid.Make().String()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if !r.noAuth {
		auth, err := c.authorization(ctx, relogin)
		if err != nil {
			return nil, err
		}
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kechain: %s %s: %w", r.method, u.Redacted(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kechain: read %s %s: %w", r.method, u.Redacted(), err)
	}
	c.logger.DebugContext(ctx, "kechain: request",
		slog.String("method", r.method),
		slog.String("path", r.path),
		slog.Int("status", resp.StatusCode),
		slog.String("request_id", requestID),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &APIError{
			Method:     r.method,
			URL:        u.Redacted(),
			StatusCode: resp.StatusCode,
			RequestID:  requestID,
			Detail:     errorDetail(data),
			Body:       data,
		}
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func isUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// errorDetail extracts the message from {"detail": ...} or
// {"results": [{"detail": ...}]} bodies.
func errorDetail(body []byte) string {
	var flat struct {
		Detail  string `json:"detail"`
		Results []struct {
			Detail string `json:"detail"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &flat); err != nil {
		return ""
	}
	if flat.Detail != "" {
		return flat.Detail
	}
	if len(flat.Results) > 0 {
		return flat.Results[0].Detail
	}
	return ""
}

type envelope struct {
	Results json.RawMessage `json:"results"`
	Count   *int            `json:"count,omitempty"`
}

// decodeResults decodes the results list of a response body.
func decodeResults[T any](body []byte) ([]T, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("kechain: decode response: %w", err)
	}
	var out []T
	if len(env.Results) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(env.Results, &out); err != nil {
		return nil, fmt.Errorf("kechain: decode results: %w", err)
	}
	return out, nil
}

// fetchOne performs r and returns the single resource in the results list.
func fetchOne[T any](ctx context.Context, c *Client, r request) (T, error) {
	var zero T
	resp, err := c.send(ctx, r)
	if err != nil {
		return zero, err
	}
	items, err := decodeResults[T](resp.body)
	if err != nil {
		return zero, err
	}
	if len(items) == 0 {
		return zero, fmt.Errorf("kechain: %s %s: empty results: %w", r.method, r.path, ErrAPI)
	}
	return items[0], nil
}

// single narrows a lookup to exactly one match.
func single[T any](items []T, what string) (T, error) {
	var zero T
	switch len(items) {
	case 0:
		return zero, notFound("no %s matches the filter", what)
	case 1:
		return items[0], nil
	default:
		return zero, multipleFound("%d %ss match the filter", len(items), what)
	}
}
