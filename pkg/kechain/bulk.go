package kechain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// PropertyValue pairs a property key with a new value. The key is an id, or
// a name or ref when resolved against a part.
type PropertyValue struct {
	Property string
	Value    any
}

// PropertyUpdate pairs a property handle with a new value.
type PropertyUpdate struct {
	Property Property
	Value    any
}

// UpdateProperties stores the given values. When the backend supports bulk
// updates the whole list goes out in one request, which the backend accepts
// or rejects as a unit; otherwise, or with opts.Sequential, one request per
// property is sent in input order. Handles are updated in place from the
// server response.
func (c *Client) UpdateProperties(ctx context.Context, updates []PropertyUpdate, opts UpdateOptions) error {
	if len(updates) == 0 {
		return nil
	}

	payload := make([]map[string]any, 0, len(updates))
	for _, u := range updates {
		if u.Property == nil {
			return illegalArgument("update without property")
		}
		if err := checkValue(u.Property, u.Value); err != nil {
			return err
		}
		serialized, err := serializeValue(u.Property.Type(), u.Value)
		if err != nil {
			return fmt.Errorf("property %q: %w", u.Property.Name(), err)
		}
		payload = append(payload, map[string]any{"id": u.Property.ID(), "value": serialized})
	}

	bulk := false
	if !opts.Sequential {
		var err error
		if bulk, err = c.supportsBulkUpdate(ctx); err != nil {
			return err
		}
	}
	if !bulk {
		return c.updateSequential(ctx, updates, payload, opts)
	}

	resp, err := c.send(ctx, request{
		method: http.MethodPost,
		path:   pathPropertiesBulkUpdate,
		query:  opts.query(),
		body:   payload,
	})
	if err != nil {
		return &BatchError{Op: "bulk update properties", Size: len(payload), Err: err}
	}
	updated, err := decodeResults[propertyJSON](resp.body)
	if err != nil {
		return err
	}
	byID := make(map[string]propertyJSON, len(updated))
	for _, d := range updated {
		byID[d.ID] = d
	}
	for _, u := range updates {
		if d, ok := byID[u.Property.ID()]; ok {
			u.Property.base().data = d
		}
	}
	return nil
}

func (c *Client) updateSequential(ctx context.Context, updates []PropertyUpdate, payload []map[string]any, opts UpdateOptions) error {
	for i, u := range updates {
		updated, err := fetchOne[propertyJSON](ctx, c, request{
			method: http.MethodPut,
			path:   pathFor(pathProperty, u.Property.ID()),
			query:  opts.query(),
			body:   map[string]any{"value": payload[i]["value"]},
		})
		if err != nil {
			return fmt.Errorf("kechain: update property %d of %d (%s): %w", i+1, len(updates), u.Property.Name(), err)
		}
		u.Property.base().data = updated
	}
	return nil
}

// checkValue applies the type specific restrictions SetValue enforces.
func checkValue(p Property, value any) error {
	if _, raw := value.(json.RawMessage); raw {
		return nil
	}
	switch prop := p.(type) {
	case *SelectListProperty:
		if value == nil {
			return nil
		}
		s, ok := value.(string)
		if !ok || !contains(prop.Choices(), s) {
			return illegalArgument("%v is not one of %v", value, prop.Choices())
		}
	case *ListProperty:
		values, ok := value.([]string)
		if !ok {
			return nil
		}
		allowed := prop.Choices()
		for _, v := range values {
			if !contains(allowed, v) {
				return illegalArgument("%q is not one of %v", v, allowed)
			}
		}
	case *AttachmentProperty:
		if value != nil {
			return illegalArgument("attachments are set with Upload, not SetValue")
		}
	}
	return nil
}
