package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/starford/kechain/pkg/kechain"
)

// Result reports what Apply did.
type Result struct {
	Parts       int
	Values      int
	Attachments int
}

// Apply sends every part update in order and then uploads the mapped
// attachments. dir is the directory attachment files are relative to. It stops
// at the first failure; updates already sent stay applied.
func Apply(ctx context.Context, c *kechain.Client, m *Manifest, dir string, logger *slog.Logger) (Result, error) {
	var res Result
	opts := kechain.UpdateOptions{SuppressKevents: m.SuppressKevents}

	for i, pu := range m.Parts {
		part, err := resolvePart(ctx, c, pu)
		if err != nil {
			return res, fmt.Errorf("manifest: part %d (%s): %w", i+1, pu.Part, err)
		}
		u := kechain.PartUpdate{UpdateOptions: opts}
		if pu.Rename != "" {
			u.Name = &pu.Rename
		}
		for _, v := range pu.Values {
			u.Values = append(u.Values, kechain.PropertyValue{Property: v.Property, Value: v.Value})
		}
		if err := part.Update(ctx, u); err != nil {
			return res, fmt.Errorf("manifest: update %s: %w", part, err)
		}
		logger.InfoContext(ctx, "manifest: part updated",
			slog.String("part", part.ID),
			slog.Int("values", len(pu.Values)),
		)
		res.Parts++
		res.Values += len(pu.Values)
	}

	for _, a := range m.Attachments {
		if err := Upload(ctx, c, a.Property, filepath.Join(dir, filepath.FromSlash(a.File))); err != nil {
			return res, err
		}
		logger.InfoContext(ctx, "manifest: attachment uploaded",
			slog.String("file", a.File),
			slog.String("property", a.Property),
		)
		res.Attachments++
	}
	return res, nil
}

// Upload sends the file at path to the attachment property with id propertyID.
func Upload(ctx context.Context, c *kechain.Client, propertyID, path string) error {
	prop, err := c.Property(ctx, propertyID)
	if err != nil {
		return fmt.Errorf("manifest: attachment property %s: %w", propertyID, err)
	}
	att, ok := prop.(*kechain.AttachmentProperty)
	if !ok {
		return fmt.Errorf("manifest: %s is a %s, not an attachment: %w", prop.Name(), prop.Type(), kechain.ErrIllegalArgument)
	}
	if err := att.Upload(ctx, path); err != nil {
		return fmt.Errorf("manifest: upload %s: %w", path, err)
	}
	return nil
}

func resolvePart(ctx context.Context, c *kechain.Client, pu PartUpdate) (*kechain.Part, error) {
	category := kechain.Category(pu.Category)
	if category == "" {
		category = kechain.CategoryInstance
	}
	if kechain.IsUUID(pu.Part) {
		return c.Part(ctx, kechain.PartFilter{ID: pu.Part, Category: category})
	}
	return c.Part(ctx, kechain.PartFilter{Name: pu.Part, Category: category})
}
