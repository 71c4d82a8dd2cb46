package emulator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/starford/kechain/internal/apperr"
)

var jsonNull = json.RawMessage("null")

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), jsonNull)
}

// normalizeValue checks raw against the property type and returns the form
// the backend stores. Reference lists are stored as [{"id": ...}] objects.
func (s *store) normalizeValue(p *Property, raw json.RawMessage) (json.RawMessage, error) {
	if isNull(raw) {
		return jsonNull, nil
	}
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: property %q: %s", apperr.ErrInvalid, p.Name, fmt.Sprintf(format, args...))
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, invalid("malformed value")
	}

	switch p.Type {
	case TypeFloat:
		if _, ok := v.(float64); !ok {
			return nil, invalid("expected a number")
		}
	case TypeInt:
		f, ok := v.(float64)
		if !ok || f != math.Trunc(f) {
			return nil, invalid("expected an integer")
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return nil, invalid("expected a boolean")
		}
	case TypeText, TypeChar, TypeLink:
		if _, ok := v.(string); !ok {
			return nil, invalid("expected a string")
		}
	case TypeDatetime, TypeDate, TypeTime:
		str, ok := v.(string)
		if !ok {
			return nil, invalid("expected a string")
		}
		layout := map[string]string{TypeDatetime: time.RFC3339, TypeDate: time.DateOnly, TypeTime: time.TimeOnly}[p.Type]
		if _, err := time.Parse(layout, str); err != nil {
			return nil, invalid("%q does not match %s", str, layout)
		}
	case TypeSingleSelect:
		str, ok := v.(string)
		if !ok {
			return nil, invalid("expected a string")
		}
		if allowed := valueChoices(p.ValueOptions); len(allowed) > 0 && !slices.Contains(allowed, str) {
			return nil, invalid("%q is not a valid choice", str)
		}
	case TypeMultiSelect:
		list, ok := v.([]any)
		if !ok {
			return nil, invalid("expected a list")
		}
		allowed := valueChoices(p.ValueOptions)
		for _, item := range list {
			str, ok := item.(string)
			if !ok {
				return nil, invalid("expected a list of strings")
			}
			if len(allowed) > 0 && !slices.Contains(allowed, str) {
				return nil, invalid("%q is not a valid choice", str)
			}
		}
	case TypeAttachment:
		return nil, invalid("attachments are set by uploading a file")
	case TypeGeoJSON:
		if _, ok := v.(map[string]any); !ok {
			return nil, invalid("expected a GeoJSON object")
		}
	}

	if isReferenceType(p.Type) {
		return s.normalizeReferences(p, v, invalid)
	}
	return raw, nil
}

func (s *store) normalizeReferences(p *Property, v any, invalid func(string, ...any) error) (json.RawMessage, error) {
	items, ok := v.([]any)
	if !ok {
		items = []any{v}
	}
	refs := make([]map[string]any, 0, len(items))
	for _, item := range items {
		var id any
		switch it := item.(type) {
		case map[string]any:
			id = it["id"]
		default:
			id = it
		}
		switch ref := id.(type) {
		case string:
			if p.Type == TypeReferences {
				if _, ok := s.parts[ref]; !ok {
					return nil, invalid("referenced part %s does not exist", ref)
				}
			}
			refs = append(refs, map[string]any{"id": ref})
		case float64:
			refs = append(refs, map[string]any{"id": ref})
		default:
			return nil, invalid("reference items must be ids")
		}
	}
	return json.Marshal(refs)
}

func valueChoices(opts map[string]any) []string {
	raw, _ := opts["value_choices"].([]any)
	out := make([]string, 0, len(raw))
	for _, c := range raw {
		if s, ok := c.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// referencedIDs returns the ids stored in a reference value.
func referencedIDs(raw json.RawMessage) []string {
	var refs []struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(raw, &refs); err != nil {
		return nil
	}
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		if s, ok := r.ID.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids
}
