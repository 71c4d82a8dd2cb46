package mcpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/kechain/pkg/kechain"
)

const maxAttachmentSize = 10 << 20 // 10 MB

var (
	mimeToExt = map[string]string{
		"image/png":        ".png",
		"image/jpeg":       ".jpg",
		"image/gif":        ".gif",
		"image/webp":       ".webp",
		"image/svg+xml":    ".svg",
		"application/pdf":  ".pdf",
		"application/json": ".json",
		"text/plain":       ".txt",
	}

	safeFilenameRe = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

	errBlockedHost = errors.New("blocked host")
)

// download is the content fetched for an attachment, before it is named.
type download struct {
	data []byte
	// ext is derived from the declared media type; may be empty.
	ext string
	// name is the file name suggested by the source, if any.
	name string
}

// fetcher resolves data URIs and downloads http(s) URLs for attachments.
type fetcher struct {
	client    *http.Client
	maxSize   int
	checkHost func(host string) error
}

func newFetcher() *fetcher {
	f := &fetcher{maxSize: maxAttachmentSize, checkHost: checkBlockedHost}
	f.client = &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects (max 5)")
			}
			return f.checkHost(req.URL.Hostname())
		},
	}
	return f
}

func (f *fetcher) fetch(ctx context.Context, rawURL string) (download, error) {
	if strings.HasPrefix(rawURL, "data:") {
		data, ext, err := decodeDataURI(rawURL)
		return download{data: data, ext: ext}, err
	}
	return f.fetchHTTP(ctx, rawURL)
}

func (f *fetcher) fetchHTTP(ctx context.Context, rawURL string) (download, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return download{}, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return download{}, fmt.Errorf("unsupported scheme: %s (only http/https)", parsed.Scheme)
	}
	if err := f.checkHost(parsed.Hostname()); err != nil {
		return download{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return download{}, fmt.Errorf("invalid URL: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return download{}, fmt.Errorf("download failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return download{}, fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(f.maxSize)+1))
	if err != nil {
		return download{}, fmt.Errorf("read body failed: %w", err)
	}
	if len(data) > f.maxSize {
		return download{}, fmt.Errorf("file too large: exceeds %d bytes", f.maxSize)
	}

	d := download{data: data, name: path.Base(parsed.Path)}
	if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil {
		d.ext = mimeToExt[mt]
	}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		d.name = params["filename"]
	}
	if !strings.Contains(d.name, ".") {
		d.name = ""
	}
	return d, nil
}

func (s *Server) uploadAttachment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	propertyID, err := req.RequireString("property_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rawURL, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	prop, err := s.client.Property(ctx, propertyID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	att, ok := prop.(*kechain.AttachmentProperty)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("%s is a %s, not an attachment", prop.Name(), prop.Type())), nil
	}

	d, err := s.fetch.fetch(ctx, rawURL)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(d.data) > s.fetch.maxSize {
		return mcp.NewToolResultError(fmt.Sprintf("file too large: %d bytes (max %d)", len(d.data), s.fetch.maxSize)), nil
	}

	filename := req.GetString("filename", d.name)
	if filename == "" {
		filename = prop.Name() + extOrBin(d.ext)
	}
	filename = sanitizeFilename(filename)
	if err := validateMagicBytes(d.data, strings.ToLower(filepath.Ext(filename))); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	// UploadBytes also applies the file extension and size validators
	// configured on the property.
	if err := att.UploadBytes(ctx, filename, d.data, ""); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(uploadResult{PropertyID: propertyID, Filename: filename, Size: len(d.data)})
}

type uploadResult struct {
	PropertyID string `json:"property_id"`
	Filename   string `json:"filename"`
	Size       int    `json:"size"`
}

// decodeDataURI parses a data:<mediatype>;base64,<data> URI.
func decodeDataURI(uri string) ([]byte, string, error) {
	meta, encoded, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return nil, "", fmt.Errorf("invalid data URI: missing comma separator")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return nil, "", fmt.Errorf("only base64 data URIs are supported")
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(encoded); err != nil {
			return nil, "", fmt.Errorf("invalid base64 data: %w", err)
		}
	}

	mt, _, _ := strings.Cut(strings.TrimSuffix(meta, ";base64"), ";")
	ext := mimeToExt[mt]
	if ext == "" {
		return nil, "", fmt.Errorf("unsupported MIME type in data URI: %s", mt)
	}
	return data, ext, nil
}

// checkBlockedHost rejects loopback and cloud metadata addresses.
func checkBlockedHost(host string) error {
	if host == "metadata.google.internal" {
		return fmt.Errorf("%w: %s", errBlockedHost, host)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		ips, lookupErr := net.LookupIP(host)
		if lookupErr != nil || len(ips) == 0 {
			return nil //nolint:nilerr // the HTTP client reports DNS failures
		}
		ip = ips[0]
	}

	if ip.IsLoopback() {
		return fmt.Errorf("%w: loopback address %s", errBlockedHost, host)
	}
	if ip.Equal(net.ParseIP("169.254.169.254")) {
		return fmt.Errorf("%w: cloud metadata address %s", errBlockedHost, host)
	}
	return nil
}

func extOrBin(ext string) string {
	if ext == "" {
		return ".bin"
	}
	return ext
}

// sanitizeFilename strips path separators and unsafe characters.
func sanitizeFilename(name string) string {
	name = safeFilenameRe.ReplaceAllString(filepath.Base(name), "_")
	if name == "" || name == "." {
		name = uuid.New().String()
	}
	return name
}

// validateMagicBytes verifies that content of a known binary type matches
// the declared extension. Other extensions are not checked.
func validateMagicBytes(data []byte, ext string) error {
	if ext == ".svg" {
		prefix := data[:min(len(data), 1024)]
		if !bytes.Contains(prefix, []byte("<svg")) {
			return fmt.Errorf("content does not appear to be a valid SVG (missing <svg tag)")
		}
		return nil
	}

	detected := http.DetectContentType(data)
	mt, _, _ := strings.Cut(detected, ";")
	want := ext
	if want == ".jpeg" {
		want = ".jpg"
	}
	switch want {
	case ".png", ".gif", ".webp", ".pdf", ".jpg":
		if mimeToExt[mt] != want {
			return fmt.Errorf("content does not match extension %s (detected: %s)", ext, detected)
		}
	}
	return nil
}
