package kechain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// AttachmentProperty stores one uploaded file.
type AttachmentProperty struct {
	*propertyBase
}

// Value returns the stored file reference, or nil when empty.
func (p *AttachmentProperty) Value() any {
	s, ok := p.decodedValue().(string)
	if !ok || s == "" {
		return nil
	}
	return s
}

// Filename returns the base name of the stored file.
func (p *AttachmentProperty) Filename() string {
	s, _ := p.Value().(string)
	if s == "" {
		return ""
	}
	return path.Base(s)
}

// SetValue only accepts nil, which clears the attachment.
func (p *AttachmentProperty) SetValue(ctx context.Context, value any) error {
	if err := checkValue(p, value); err != nil {
		return err
	}
	return p.setValue(ctx, nil)
}

// Clear removes the stored file.
func (p *AttachmentProperty) Clear(ctx context.Context) error {
	return p.SetValue(ctx, nil)
}

// Upload sends the file at filename.
func (p *AttachmentProperty) Upload(ctx context.Context, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("kechain: upload %s: %w", filename, err)
	}
	return p.UploadBytes(ctx, filepath.Base(filename), data, "")
}

// UploadJSON serialises v and uploads it as name.
func (p *AttachmentProperty) UploadJSON(ctx context.Context, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("kechain: encode %s: %w", name, err)
	}
	return p.UploadBytes(ctx, name, data, "application/json")
}

// UploadBytes uploads data as name. The content type is derived from the
// extension when empty. File validators are checked before anything is sent.
func (p *AttachmentProperty) UploadBytes(ctx context.Context, name string, data []byte, contentType string) error {
	if name == "" {
		return illegalArgument("file name is required")
	}
	if err := p.checkUpload(UploadCandidate{Filename: name, Size: int64(len(data))}); err != nil {
		return err
	}

	body, formType, err := multipartFile(name, data, contentType)
	if err != nil {
		return err
	}

	updated, err := fetchOne[propertyJSON](ctx, p.client, request{
		method:      http.MethodPost,
		path:        pathFor(pathPropertyUpload, p.data.ID),
		body:        body,
		contentType: formType,
	})
	if err != nil {
		return fmt.Errorf("kechain: upload to %s: %w", p, err)
	}
	p.data = updated
	return nil
}

// Download returns the stored file content.
func (p *AttachmentProperty) Download(ctx context.Context) ([]byte, error) {
	if !p.HasValue() {
		return nil, notFound("%s has no attachment", p)
	}
	resp, err := p.client.send(ctx, request{method: http.MethodGet, path: pathFor(pathPropertyDownload, p.data.ID)})
	if err != nil {
		return nil, fmt.Errorf("kechain: download %s: %w", p, err)
	}
	return resp.body, nil
}

// SaveAs downloads the attachment into filename.
func (p *AttachmentProperty) SaveAs(ctx context.Context, filename string) error {
	data, err := p.Download(ctx)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("kechain: save %s: %w", filename, err)
	}
	return nil
}

func (p *AttachmentProperty) checkUpload(c UploadCandidate) error {
	validators, err := p.Validators()
	if err != nil {
		return err
	}
	for _, v := range validators {
		if err := v.Validate(c); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrIllegalArgument, c.Filename, err)
		}
	}
	return nil
}

// multipartFile encodes data as the "attachment" field of a multipart form.
func multipartFile(name string, data []byte, contentType string) ([]byte, string, error) {
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(name))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachment"; filename=%q`, name))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("kechain: build upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("kechain: build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("kechain: build upload: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func mimeOf(ext, prefix string) bool {
	return strings.HasPrefix(mime.TypeByExtension(ext), prefix)
}
