// Package manifest reads YAML update manifests: ordered property values per
// part and attachment files mapped to attachment properties.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Manifest is one parsed manifest file.
type Manifest struct {
	// SuppressKevents is passed on with every update.
	SuppressKevents bool         `yaml:"suppress_kevents"`
	Parts           []PartUpdate `yaml:"parts"`
	Attachments     []Attachment `yaml:"attachments"`
}

// PartUpdate targets one part by id or name.
type PartUpdate struct {
	Part     string `yaml:"part"`
	Category string `yaml:"category"`
	Rename   string `yaml:"rename"`
	// Values keep the order they have in the file.
	Values Values `yaml:"values"`
}

// Value is one property assignment.
type Value struct {
	Property string
	Value    any
}

// Values is an ordered property → value mapping.
type Values []Value

// Attachment maps a file, relative to the manifest, to an attachment property.
type Attachment struct {
	File     string `yaml:"file"`
	Property string `yaml:"property"`
}

// UnmarshalYAML decodes a mapping node entry by entry so the file order is kept.
func (v *Values) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: values must be a mapping", node.Line)
	}
	out := make(Values, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		var decoded any
		if err := val.Decode(&decoded); err != nil {
			return fmt.Errorf("line %d: %s: %w", val.Line, key.Value, err)
		}
		out = append(out, Value{Property: key.Value, Value: normalize(decoded)})
	}
	*v = out
	return nil
}

// normalize turns YAML lists of strings into []string, the shape list
// properties expect.
func normalize(v any) any {
	list, ok := v.([]any)
	if !ok {
		return v
	}
	strs := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return v
		}
		strs = append(strs, s)
	}
	return strs
}

// Validate checks the manifest for structural errors.
func (m *Manifest) Validate() error {
	return validation.ValidateStruct(m,
		validation.Field(&m.Parts, validation.Each(validation.By(func(v any) error {
			p := v.(PartUpdate)
			return validation.ValidateStruct(&p,
				validation.Field(&p.Part, validation.Required),
				validation.Field(&p.Category, validation.In("", "MODEL", "INSTANCE")),
			)
		}))),
		validation.Field(&m.Attachments, validation.Each(validation.By(func(v any) error {
			a := v.(Attachment)
			return validation.ValidateStruct(&a,
				validation.Field(&a.File, validation.Required, validation.By(relativePath)),
				validation.Field(&a.Property, validation.Required),
			)
		}))),
	)
}

func relativePath(v any) error {
	s, _ := v.(string)
	if filepath.IsAbs(s) {
		return errors.New("must be relative to the manifest")
	}
	clean := filepath.ToSlash(filepath.Clean(s))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return errors.New("must stay inside the manifest directory")
	}
	return nil
}

// Parse decodes and validates manifest bytes.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest: invalid: %w", err)
	}
	return &m, nil
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	return Parse(data)
}

// AttachmentFor returns the property mapped to file, a slash separated path
// relative to the manifest directory.
func (m *Manifest) AttachmentFor(file string) (string, bool) {
	file = filepath.ToSlash(filepath.Clean(file))
	for _, a := range m.Attachments {
		if filepath.ToSlash(filepath.Clean(a.File)) == file {
			return a.Property, true
		}
	}
	return "", false
}
